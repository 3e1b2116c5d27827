package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 积分服务指标
var (
	// WebhookEventTotal webhook 事件总数（按事件类型、处理结果）
	// outcome: applied / ignored / error
	WebhookEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_webhook_event_total",
			Help: "Total number of processed webhook events",
		},
		[]string{"event_type", "outcome"},
	)

	// WebhookSignatureFailTotal 签名校验失败总数
	WebhookSignatureFailTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_webhook_signature_fail_total",
			Help: "Total number of webhook signature verification failures",
		},
	)

	// CreditAppliedTotal 入账总数（按类型）
	CreditAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_credit_applied_total",
			Help: "Total number of ledger credits applied",
		},
		[]string{"kind"},
	)

	// CreditPointsTotal 入账积分总量（按类型）
	CreditPointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_credit_points_total",
			Help: "Total points credited",
		},
		[]string{"kind"},
	)

	// DuplicateDeliveryTotal 幂等命中总数（重复投递被吞掉的次数）
	DuplicateDeliveryTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_duplicate_delivery_total",
			Help: "Total number of duplicate webhook deliveries suppressed",
		},
	)

	// CheckoutSessionTotal 收银台创建总数（按模式、结果）
	CheckoutSessionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_checkout_session_total",
			Help: "Total number of checkout sessions created",
		},
		[]string{"mode", "result"},
	)

	// ReconcileDriftTotal 对账发现并纠正的余额偏差条数
	ReconcileDriftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_reconcile_drift_total",
			Help: "Total number of balance rows corrected by reconciliation",
		},
	)

	// HTTPRequestTotal HTTP 请求总数（按方法、路径、状态码）
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_http_request_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "points_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
