package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"clubapoints/internal/config"
	"clubapoints/internal/infrastructure/lock"
	"clubapoints/internal/metrics"
	"clubapoints/internal/model"

	"github.com/go-redis/redis/v8"
	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	// ErrSignature 签名校验失败，必须映射为 400 且不得触达台账
	ErrSignature = errors.New("webhook 签名校验失败")
)

// WebhookOutcome webhook 处理结果
// Ignored=true 的场景仍返回 2xx —— 这是和 Stripe 的协议约定：
// 无法归属/结构异常的事件重投也救不回来，返回错误只会引来无意义的重试。
// 只有基础设施故障才允许以 5xx 换取 Stripe 的重投
type WebhookOutcome struct {
	EventType string
	Ignored   bool
	Reason    string
}

// WebhookService 校验并分发 Stripe 事件
type WebhookService struct {
	cfg         *config.Config
	redisClient *redis.Client // 可为 nil，届时跳过事件锁
	identity    *IdentityService
	ledger      *LedgerService
}

func NewWebhookService(cfg *config.Config, redisClient *redis.Client, identity *IdentityService, ledger *LedgerService) *WebhookService {
	return &WebhookService{
		cfg:         cfg,
		redisClient: redisClient,
		identity:    identity,
		ledger:      ledger,
	}
}

// Process 校验签名并分发事件
// 签名不过的载荷绝不进入任何业务分支
func (s *WebhookService) Process(ctx context.Context, payload []byte, sigHeader string) (*WebhookOutcome, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		sigHeader,
		s.cfg.Stripe.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		metrics.WebhookSignatureFailTotal.Inc()
		log.Printf("[Webhook] 签名校验失败: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	outcome, err := s.dispatch(ctx, &event)
	eventType := string(event.Type)
	switch {
	case err != nil:
		metrics.WebhookEventTotal.WithLabelValues(eventType, "error").Inc()
	case outcome.Ignored:
		metrics.WebhookEventTotal.WithLabelValues(eventType, "ignored").Inc()
	default:
		metrics.WebhookEventTotal.WithLabelValues(eventType, "applied").Inc()
	}
	return outcome, err
}

func (s *WebhookService) dispatch(ctx context.Context, event *stripe.Event) (*WebhookOutcome, error) {
	switch event.Type {
	case stripe.EventTypeInvoicePaid:
		return s.handleInvoicePaid(ctx, event)
	case stripe.EventTypeCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	default:
		return s.ignored(event, "unhandled event type"), nil
	}
}

// handleInvoicePaid 订阅续费：月度额度重置
func (s *WebhookService) handleInvoicePaid(ctx context.Context, event *stripe.Event) (*WebhookOutcome, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return s.ignored(event, "malformed invoice payload"), nil
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	if customerID == "" {
		return s.ignored(event, "invoice missing customer"), nil
	}

	// 订阅的归属完全依赖已落库的映射；没有映射说明客户没走过我们的
	// 收银台，重投也不会凭空出现映射，直接丢弃
	userID, err := s.identity.FindUserByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return s.ignored(event, "no user mapping"), nil
	}

	if err := s.identity.EnsureBalance(ctx, userID); err != nil {
		return nil, err
	}

	err = s.withEventLock(ctx, event.ID, func() error {
		return s.ledger.ApplyMonthlyReset(ctx, userID,
			model.LedgerEntryID(event.ID), model.MonthlyResetPoints,
			"Monthly points reset (invoice.paid)")
	})
	if err != nil {
		return nil, fmt.Errorf("月度重置入账失败: eventID=%s, userID=%s: %w", event.ID, userID, err)
	}

	log.Printf("[Webhook] 月度重置入账: userID=%s, customerID=%s, points=%d, eventID=%s",
		userID, customerID, model.MonthlyResetPoints, event.ID)
	return &WebhookOutcome{EventType: string(event.Type)}, nil
}

// handleCheckoutCompleted 点包付款：购买积分累加
func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (*WebhookOutcome, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return s.ignored(event, "malformed session payload"), nil
	}

	// 订阅模式的 checkout.session.completed 由 invoice.paid 分支覆盖
	if session.Mode != stripe.CheckoutSessionModePayment {
		return s.ignored(event, "not a payment session"), nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	if customerID == "" {
		return s.ignored(event, "session missing customer"), nil
	}

	// 稳定 user_id 只认发起收银台时盖的章：优先 client_reference_id，
	// 兜底 metadata，绝不拿 cus_ 当用户ID
	userID := stableUserIDFromSession(&session)
	if userID == "" {
		return s.ignored(event, "missing stable user mapping"), nil
	}

	pack := strings.TrimSpace(session.Metadata["pack"])
	points, ok := model.PointsForPack(pack)
	if !ok {
		return s.ignored(event, "missing pack"), nil
	}

	// 点包场景下这是映射第一次可靠落库的时机（收银台可能早于任何映射创建）
	if err := s.identity.BindCustomer(ctx, userID, customerID); err != nil {
		return nil, err
	}

	err := s.withEventLock(ctx, event.ID, func() error {
		return s.ledger.ApplyTopup(ctx, userID,
			model.LedgerEntryID(event.ID), points,
			fmt.Sprintf("Top-up pack %s", pack))
	})
	if err != nil {
		return nil, fmt.Errorf("点包入账失败: eventID=%s, userID=%s: %w", event.ID, userID, err)
	}

	log.Printf("[Webhook] 点包入账: userID=%s, customerID=%s, pack=%s, points=%d, eventID=%s",
		userID, customerID, pack, points, event.ID)
	return &WebhookOutcome{EventType: string(event.Type)}, nil
}

// stableUserIDFromSession 从收银台会话恢复应用侧 user_id
func stableUserIDFromSession(session *stripe.CheckoutSession) string {
	if id := strings.TrimSpace(session.ClientReferenceID); id != "" {
		return id
	}
	return strings.TrimSpace(session.Metadata["user_id"])
}

// withEventLock 按事件维度加分布式锁后执行入账
// 锁只为减少并发重复投递时的唯一约束冲突回滚；拿不到锁照样执行，
// 正确性由 ledger.id 唯一索引兜底
func (s *WebhookService) withEventLock(ctx context.Context, eventID string, fn func() error) error {
	if s.redisClient == nil {
		return fn()
	}

	eventLock := lock.NewWebhookEventLock(s.redisClient, eventID)
	if err := eventLock.Lock(ctx, 100*time.Millisecond, 3); err != nil {
		log.Printf("[Webhook] 事件锁未取得，直接入账: eventID=%s, err=%v", eventID, err)
		return fn()
	}
	defer eventLock.Unlock(ctx)
	return fn()
}

func (s *WebhookService) ignored(event *stripe.Event, reason string) *WebhookOutcome {
	log.Printf("[Webhook] 事件已忽略: type=%s, eventID=%s, reason=%s", event.Type, event.ID, reason)
	return &WebhookOutcome{
		EventType: string(event.Type),
		Ignored:   true,
		Reason:    reason,
	}
}
