package handler

import (
	"clubapoints/internal/config"
	"clubapoints/internal/infrastructure/stripeapi"
	"clubapoints/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(cfg *config.Config, db *gorm.DB, rdb *redis.Client, stripeClient stripeapi.Client) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(MetricsMiddleware())

	// 创建处理器
	h := NewHandler(cfg, db, rdb, stripeClient)

	// 健康检查
	r.GET("/health", h.Health)

	// 诊断接口
	diag := r.Group("/diag")
	{
		diag.GET("/env", h.DiagEnv)
		diag.GET("/prices", h.DiagPrices)
		diag.GET("/stripe-event", h.DiagStripeEvent)
		diag.GET("/stripe-account", h.DiagStripeAccount)
	}

	// 收银台
	checkout := r.Group("/checkout")
	{
		checkout.POST("/starter", h.CheckoutStarter)
		checkout.POST("/topup", h.CheckoutTopup)
	}

	// Stripe webhook
	r.POST("/stripe/webhook", h.StripeWebhook)

	// Prometheus 指标
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 其余路径统一 404
	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})

	return r
}
