package stripeapi

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

var (
	// ErrPriceNotFound lookup key 下没有生效中的价格
	ErrPriceNotFound = errors.New("没有匹配的生效价格")
)

// TopupSessionParams 一次性付款 Checkout 的参数
//
// 【关键点】user_id 同时写进 client_reference_id 和 metadata 两处。
// webhook 回来的事件是匿名的，只有这里盖过章的字段能把付款归属回
// 应用用户，而不同事件形态下两个字段的可见性不一样，所以冗余编码
type TopupSessionParams struct {
	PriceID    string
	CustomerID string
	UserID     string
	Pack       string
	SuccessURL string
	CancelURL  string
}

// Client 支付处理器调用边界
// 业务层只依赖这个接口，测试里换成假实现统计调用次数
type Client interface {
	// ResolvePriceID 按 lookup key 解析当前生效的价格ID
	// 价格ID会轮换，lookup key 稳定，因此每次都查 Stripe，不做本地缓存
	ResolvePriceID(ctx context.Context, lookupKey string) (string, error)

	// CreateCustomer 创建 Stripe 客户，metadata 带上应用侧 user_id
	CreateCustomer(ctx context.Context, userID string) (string, error)

	// NewSubscriptionSession 创建订阅模式的托管收银台，返回跳转地址
	NewSubscriptionSession(ctx context.Context, priceID, successURL, cancelURL string) (string, error)

	// NewTopupSession 创建一次性付款模式的托管收银台，返回跳转地址
	NewTopupSession(ctx context.Context, p *TopupSessionParams) (string, error)

	// GetEvent 拉取单个事件，诊断接口用
	GetEvent(ctx context.Context, eventID string) (*stripe.Event, error)

	// AccountID 返回当前密钥对应的 Stripe 账户ID
	AccountID(ctx context.Context) (string, error)
}

// StripeClient 基于 stripe-go 官方 SDK 的实现
// 所有调用单次尝试、不自动重试，失败直接报给调用方
type StripeClient struct {
	sc *client.API
}

func NewStripeClient(secretKey string) *StripeClient {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeClient{sc: sc}
}

func (c *StripeClient) ResolvePriceID(ctx context.Context, lookupKey string) (string, error) {
	params := &stripe.PriceListParams{
		LookupKeys: stripe.StringSlice([]string{lookupKey}),
		Active:     stripe.Bool(true),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := c.sc.Prices.List(params)
	for iter.Next() {
		return iter.Price().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("查询价格失败: %w", err)
	}
	return "", fmt.Errorf("%w: %s", ErrPriceNotFound, lookupKey)
}

func (c *StripeClient) CreateCustomer(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	cust, err := c.sc.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("创建 Stripe 客户失败: %w", err)
	}
	return cust.ID, nil
}

func (c *StripeClient) NewSubscriptionSession(ctx context.Context, priceID, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:          stripe.String(successURL),
		CancelURL:           stripe.String(cancelURL),
		AllowPromotionCodes: stripe.Bool(true),
	}
	params.Context = ctx

	sess, err := c.sc.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("创建订阅收银台失败: %w", err)
	}
	return sess.URL, nil
}

func (c *StripeClient) NewTopupSession(ctx context.Context, p *TopupSessionParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("user_id", p.UserID)
	params.AddMetadata("pack", p.Pack)

	sess, err := c.sc.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("创建点包收银台失败: %w", err)
	}
	return sess.URL, nil
}

func (c *StripeClient) GetEvent(ctx context.Context, eventID string) (*stripe.Event, error) {
	params := &stripe.EventParams{}
	params.Context = ctx

	evt, err := c.sc.Events.Get(eventID, params)
	if err != nil {
		return nil, fmt.Errorf("拉取事件失败: %w", err)
	}
	return evt, nil
}

func (c *StripeClient) AccountID(ctx context.Context) (string, error) {
	acct, err := c.sc.Accounts.Get()
	if err != nil {
		return "", fmt.Errorf("查询账户失败: %w", err)
	}
	return acct.ID, nil
}
