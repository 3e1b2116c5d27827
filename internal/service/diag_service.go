package service

import (
	"context"
	"errors"
	"fmt"

	"clubapoints/internal/config"
	"clubapoints/internal/infrastructure/stripeapi"
)

// DiagService 只读诊断：配置核对、价格解析、事件回放
// 不允许有任何状态变更
type DiagService struct {
	cfg          *config.Config
	stripeClient stripeapi.Client
}

func NewDiagService(cfg *config.Config, stripeClient stripeapi.Client) *DiagService {
	return &DiagService{
		cfg:          cfg,
		stripeClient: stripeClient,
	}
}

// Redact 打码展示密钥：只露前6后4和长度，短值一律打满
func Redact(v string) interface{} {
	if v == "" {
		return nil
	}
	if len(v) <= 12 {
		return "***"
	}
	return fmt.Sprintf("%s…%s(len=%d)", v[:6], v[len(v)-4:], len(v))
}

// EnvView 确认进程实际加载到的密钥（打码后）
func (s *DiagService) EnvView() map[string]interface{} {
	return map[string]interface{}{
		"stripe_secret_key":      Redact(s.cfg.Stripe.SecretKey),
		"stripe_webhook_secret":  Redact(s.cfg.Stripe.WebhookSecret),
		"stripe_publishable_key": Redact(s.cfg.Stripe.PublishableKey),
	}
}

// ResolvePrices 把全部 lookup key 解析成当前价格ID
// 单个 key 查不到价格记为 null；Stripe 调用失败整体报错
func (s *DiagService) ResolvePrices(ctx context.Context) (lookupKeys map[string]string, resolved map[string]interface{}, err error) {
	lookupKeys = map[string]string{
		"starter":      s.cfg.Stripe.StarterLookupKey,
		"topup_small":  s.cfg.Stripe.TopupSmallLookupKey,
		"topup_medium": s.cfg.Stripe.TopupMediumLookupKey,
		"topup_large":  s.cfg.Stripe.TopupLargeLookupKey,
	}

	resolved = make(map[string]interface{}, len(lookupKeys))
	for name, key := range lookupKeys {
		priceID, err := s.stripeClient.ResolvePriceID(ctx, key)
		if err != nil {
			if errors.Is(err, stripeapi.ErrPriceNotFound) {
				resolved[name] = nil
				continue
			}
			return nil, nil, err
		}
		resolved[name] = priceID
	}
	return lookupKeys, resolved, nil
}

// ProjectEvent 拉取单个事件并只投影排障需要的公开字段，避免吐完整载荷
func (s *DiagService) ProjectEvent(ctx context.Context, eventID string) (map[string]interface{}, error) {
	event, err := s.stripeClient.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	obj := event.Data.Object
	pick := func(field string) interface{} {
		if obj == nil {
			return nil
		}
		return obj[field]
	}

	return map[string]interface{}{
		"id":               event.ID,
		"type":             string(event.Type),
		"created":          event.Created,
		"object_type":      pick("object"),
		"customer":         pick("customer"),
		"customer_details": pick("customer_details"),
		"metadata":         pick("metadata"),
		"amount_total":     pick("amount_total"),
		"payment_intent":   pick("payment_intent"),
		"mode":             pick("mode"),
	}, nil
}

// AccountID 当前密钥对应的 Stripe 账户
func (s *DiagService) AccountID(ctx context.Context) (string, error) {
	return s.stripeClient.AccountID(ctx)
}
