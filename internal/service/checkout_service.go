package service

import (
	"context"
	"errors"
	"fmt"

	"clubapoints/internal/config"
	"clubapoints/internal/infrastructure/stripeapi"
	"clubapoints/internal/metrics"
	"clubapoints/internal/model"
)

var (
	ErrInvalidPack   = errors.New("pack 必须是 small | medium | large")
	ErrInvalidUserID = errors.New("user_id 不能为空且长度不少于3")
)

// minUserIDLen user_id 最小长度
const minUserIDLen = 3

// CheckoutService 发起托管收银台
type CheckoutService struct {
	cfg          *config.Config
	stripeClient stripeapi.Client
	identity     *IdentityService
}

func NewCheckoutService(cfg *config.Config, stripeClient stripeapi.Client, identity *IdentityService) *CheckoutService {
	return &CheckoutService{
		cfg:          cfg,
		stripeClient: stripeClient,
		identity:     identity,
	}
}

// redirectURLs 由请求 Origin 建跳转地址，缺省时回退到固定域名
func (s *CheckoutService) redirectURLs(origin string) (successURL, cancelURL string) {
	if origin == "" {
		origin = s.cfg.Business.FallbackOrigin
	}
	return origin + "/success?session_id={CHECKOUT_SESSION_ID}", origin + "/pricing"
}

// StartSubscriptionCheckout 发起订阅（Starter）收银台
// 不要求已有用户映射：订阅的归属在 invoice 事件时通过 Stripe 客户反查完成
func (s *CheckoutService) StartSubscriptionCheckout(ctx context.Context, origin string) (string, error) {
	priceID, err := s.stripeClient.ResolvePriceID(ctx, s.cfg.Stripe.StarterLookupKey)
	if err != nil {
		metrics.CheckoutSessionTotal.WithLabelValues("subscription", "error").Inc()
		return "", err
	}

	successURL, cancelURL := s.redirectURLs(origin)
	url, err := s.stripeClient.NewSubscriptionSession(ctx, priceID, successURL, cancelURL)
	if err != nil {
		metrics.CheckoutSessionTotal.WithLabelValues("subscription", "error").Inc()
		return "", err
	}

	metrics.CheckoutSessionTotal.WithLabelValues("subscription", "ok").Inc()
	return url, nil
}

// StartTopupCheckout 发起点包收银台
// 参数校验必须在任何 Stripe / 数据库调用之前完成
func (s *CheckoutService) StartTopupCheckout(ctx context.Context, origin, userID, pack string) (string, error) {
	if !model.ValidPack(pack) {
		return "", ErrInvalidPack
	}
	if len(userID) < minUserIDLen {
		return "", ErrInvalidUserID
	}

	priceID, err := s.stripeClient.ResolvePriceID(ctx, s.cfg.Stripe.TopupLookupKey(pack))
	if err != nil {
		metrics.CheckoutSessionTotal.WithLabelValues("payment", "error").Inc()
		return "", err
	}

	// 收银台必须挂上 Stripe 客户，webhook 才能把付款归属回用户
	customerID, err := s.identity.ResolveOrCreateCustomer(ctx, userID)
	if err != nil {
		metrics.CheckoutSessionTotal.WithLabelValues("payment", "error").Inc()
		return "", fmt.Errorf("解析 Stripe 客户失败: %w", err)
	}

	successURL, cancelURL := s.redirectURLs(origin)
	url, err := s.stripeClient.NewTopupSession(ctx, &stripeapi.TopupSessionParams{
		PriceID:    priceID,
		CustomerID: customerID,
		UserID:     userID,
		Pack:       pack,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		metrics.CheckoutSessionTotal.WithLabelValues("payment", "error").Inc()
		return "", err
	}

	metrics.CheckoutSessionTotal.WithLabelValues("payment", "ok").Inc()
	return url, nil
}
