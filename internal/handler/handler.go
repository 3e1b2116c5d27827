package handler

import (
	"errors"
	"io"

	"clubapoints/internal/config"
	"clubapoints/internal/infrastructure/stripeapi"
	"clubapoints/internal/service"
	"clubapoints/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	checkoutService *service.CheckoutService
	webhookService  *service.WebhookService
	diagService     *service.DiagService
}

// NewHandler 创建处理器实例
func NewHandler(cfg *config.Config, db *gorm.DB, rdb *redis.Client, stripeClient stripeapi.Client) *Handler {
	identityService := service.NewIdentityService(db, stripeClient)
	ledgerService := service.NewLedgerService(db, cfg)

	return &Handler{
		checkoutService: service.NewCheckoutService(cfg, stripeClient, identityService),
		webhookService:  service.NewWebhookService(cfg, rdb, identityService, ledgerService),
		diagService:     service.NewDiagService(cfg, stripeClient),
	}
}

// ============================================================
// 诊断接口（只读）
// ============================================================

// Health 健康检查
// GET /health
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, nil)
}

// DiagEnv 确认进程加载到的密钥（打码）
// GET /diag/env
func (h *Handler) DiagEnv(c *gin.Context) {
	response.OK(c, gin.H(h.diagService.EnvView()))
}

// DiagPrices 解析全部 lookup key 的当前价格
// GET /diag/prices
func (h *Handler) DiagPrices(c *gin.Context) {
	lookupKeys, resolved, err := h.diagService.ResolvePrices(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.OK(c, gin.H{
		"lookup_keys":        lookupKeys,
		"resolved_price_ids": resolved,
	})
}

// DiagStripeEvent 回放单个事件的公开字段
// GET /diag/stripe-event?id=evt_xxx
func (h *Handler) DiagStripeEvent(c *gin.Context) {
	eventID := c.Query("id")
	if eventID == "" {
		response.ParamError(c, "missing id")
		return
	}

	projected, err := h.diagService.ProjectEvent(c.Request.Context(), eventID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.OK(c, gin.H(projected))
}

// DiagStripeAccount 当前密钥对应的 Stripe 账户
// GET /diag/stripe-account
func (h *Handler) DiagStripeAccount(c *gin.Context) {
	accountID, err := h.diagService.AccountID(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.OK(c, gin.H{"stripe_account_id": accountID})
}

// ============================================================
// 收银台接口
// ============================================================

// CheckoutStarter 发起订阅收银台
// POST /checkout/starter
func (h *Handler) CheckoutStarter(c *gin.Context) {
	origin := c.GetHeader("Origin")

	url, err := h.checkoutService.StartSubscriptionCheckout(c.Request.Context(), origin)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.OK(c, gin.H{"url": url})
}

// TopupRequest 点包购买请求
type TopupRequest struct {
	Pack   string `json:"pack"`
	UserID string `json:"user_id"`
}

// CheckoutTopup 发起点包收银台
// POST /checkout/topup
func (h *Handler) CheckoutTopup(c *gin.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body")
		return
	}

	url, err := h.checkoutService.StartTopupCheckout(c.Request.Context(), c.GetHeader("Origin"), req.UserID, req.Pack)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPack):
			response.ParamError(c, "pack must be: small | medium | large")
		case errors.Is(err, service.ErrInvalidUserID):
			response.ParamError(c, "user_id is required")
		default:
			response.ServerError(c, err.Error())
		}
		return
	}
	response.OK(c, gin.H{"url": url})
}

// ============================================================
// Stripe webhook
// ============================================================

// StripeWebhook 接收 Stripe 事件
// POST /stripe/webhook
//
// 状态码约定：签名失败 400；无法归属/无关事件 200（带 ignored 标记）；
// 基础设施故障 500，换取 Stripe 重投
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ParamError(c, "cannot read request body")
		return
	}
	sigHeader := c.GetHeader("Stripe-Signature")

	outcome, err := h.webhookService.Process(c.Request.Context(), payload, sigHeader)
	if err != nil {
		if errors.Is(err, service.ErrSignature) {
			response.ParamError(c, "Webhook signature verification failed")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	if outcome.Ignored {
		response.Ignored(c, outcome.Reason, gin.H{"event_type": outcome.EventType})
		return
	}
	response.OK(c, nil)
}
