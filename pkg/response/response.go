package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 统一响应形状：成功 {"ok":true,...}，失败 {"ok":false,"error":"..."}
// 语义上的"忽略"也是成功 —— 这是与 Stripe 重投策略的协议约定，不要改成错误码

func OK(c *gin.Context, data gin.H) {
	body := gin.H{"ok": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func Ignored(c *gin.Context, reason string, extra gin.H) {
	body := gin.H{"ok": true, "ignored": true, "reason": reason}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func Error(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"ok": false, "error": message})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

func NotFound(c *gin.Context) {
	Error(c, http.StatusNotFound, "Not found")
}
