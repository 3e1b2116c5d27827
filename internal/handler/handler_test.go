package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clubapoints/internal/config"
	"clubapoints/internal/infrastructure/database"
	"clubapoints/internal/infrastructure/stripeapi"
	"clubapoints/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v79"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_test_secret_0001"

// fakeStripe 假的支付处理器，统计调用次数供断言
type fakeStripe struct {
	calls       int
	prices      map[string]string
	customerSeq int
	topupParams []*stripeapi.TopupSessionParams
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		prices: map[string]string{
			"starter_monthly": "price_starter",
			"topup_small":     "price_small",
			"topup_medium":    "price_medium",
			"topup_large":     "price_large",
		},
	}
}

func (f *fakeStripe) ResolvePriceID(ctx context.Context, lookupKey string) (string, error) {
	f.calls++
	if id, ok := f.prices[lookupKey]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", stripeapi.ErrPriceNotFound, lookupKey)
}

func (f *fakeStripe) CreateCustomer(ctx context.Context, userID string) (string, error) {
	f.calls++
	f.customerSeq++
	return fmt.Sprintf("cus_fake_%d", f.customerSeq), nil
}

func (f *fakeStripe) NewSubscriptionSession(ctx context.Context, priceID, successURL, cancelURL string) (string, error) {
	f.calls++
	return "https://checkout.stripe.test/sub/" + priceID, nil
}

func (f *fakeStripe) NewTopupSession(ctx context.Context, p *stripeapi.TopupSessionParams) (string, error) {
	f.calls++
	f.topupParams = append(f.topupParams, p)
	return "https://checkout.stripe.test/pay/" + p.PriceID, nil
}

func (f *fakeStripe) GetEvent(ctx context.Context, eventID string) (*stripe.Event, error) {
	f.calls++
	return &stripe.Event{
		ID:      eventID,
		Type:    stripe.EventTypeCheckoutSessionCompleted,
		Created: 1700000000,
		Data: &stripe.EventData{
			Object: map[string]interface{}{
				"object":       "checkout.session",
				"mode":         "payment",
				"customer":     "cus_fake_1",
				"amount_total": float64(500),
			},
		},
	}, nil
}

func (f *fakeStripe) AccountID(ctx context.Context) (string, error) {
	f.calls++
	return "acct_fake_1", nil
}

type testEnv struct {
	db     *gorm.DB
	cfg    *config.Config
	fake   *fakeStripe
	router *gin.Engine
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{
		Stripe: config.StripeConfig{
			SecretKey:            "sk_test_1234567890abcdef",
			WebhookSecret:        testWebhookSecret,
			PublishableKey:       "pk_test_1234567890abcdef",
			StarterLookupKey:     "starter_monthly",
			TopupSmallLookupKey:  "topup_small",
			TopupMediumLookupKey: "topup_medium",
			TopupLargeLookupKey:  "topup_large",
		},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{PointsCredit: "points.credit"},
		},
		Business: config.BusinessConfig{
			FallbackOrigin: "https://cluba.com",
			MaxRetryCount:  3,
		},
	}

	fake := newFakeStripe()
	router := SetupRouter(cfg, db, nil, fake)
	return &testEnv{db: db, cfg: cfg, fake: fake, router: router}
}

func (e *testEnv) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// stripeSigHeader 按 Stripe 的签名方案给载荷签名（t=...,v1=HMAC-SHA256(t.payload)）
func stripeSigHeader(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload(eventID, customerID, clientRef string, metadata map[string]string, mode string) []byte {
	object := map[string]interface{}{
		"id":       "cs_" + eventID,
		"object":   "checkout.session",
		"mode":     mode,
		"metadata": metadata,
	}
	if customerID != "" {
		object["customer"] = customerID
	}
	if clientRef != "" {
		object["client_reference_id"] = clientRef
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"type":        "checkout.session.completed",
		"data":        map[string]interface{}{"object": object},
	})
	return payload
}

func invoicePaidPayload(eventID, customerID string) []byte {
	object := map[string]interface{}{
		"id":     "in_" + eventID,
		"object": "invoice",
	}
	if customerID != "" {
		object["customer"] = customerID
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"type":        "invoice.paid",
		"data":        map[string]interface{}{"object": object},
	})
	return payload
}

func (e *testEnv) postWebhook(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(http.MethodPost, "/stripe/webhook", payload, map[string]string{
		"Stripe-Signature": stripeSigHeader(payload, testWebhookSecret),
	})
}

func (e *testEnv) balanceOf(t *testing.T, userID string) *model.Balance {
	t.Helper()
	var balance model.Balance
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&balance).Error)
	return &balance
}

func (e *testEnv) ledgerCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&model.LedgerEntry{}).Count(&count).Error)
	return count
}

// ============================================================
// 基础接口
// ============================================================

func TestHealth(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["ok"])
}

func TestUnknownRouteReturns404(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, false, body["ok"])
	require.Equal(t, "Not found", body["error"])
}

func TestDiagEnvIsRedacted(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodGet, "/diag/env", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	secret, _ := body["stripe_secret_key"].(string)
	require.NotEqual(t, env.cfg.Stripe.SecretKey, secret)
	require.Contains(t, secret, "len=")
	// 原文绝不允许出现在响应里
	require.NotContains(t, w.Body.String(), env.cfg.Stripe.SecretKey)
}

func TestDiagPrices(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodGet, "/diag/prices", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	resolved := body["resolved_price_ids"].(map[string]interface{})
	require.Equal(t, "price_starter", resolved["starter"])
	require.Equal(t, "price_small", resolved["topup_small"])
}

func TestDiagStripeEventRequiresID(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodGet, "/diag/stripe-event", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 0, env.fake.calls)
}

func TestDiagStripeEventProjection(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodGet, "/diag/stripe-event?id=evt_42", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, "evt_42", body["id"])
	require.Equal(t, "checkout.session.completed", body["type"])
	require.Equal(t, "payment", body["mode"])
}

func TestDiagStripeAccount(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodGet, "/diag/stripe-account", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "acct_fake_1", decodeBody(t, w)["stripe_account_id"])
}

// ============================================================
// 收银台
// ============================================================

func TestCheckoutStarter(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodPost, "/checkout/starter", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "https://checkout.stripe.test/sub/price_starter", body["url"])
}

func TestCheckoutTopupInvalidPack(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodPost, "/checkout/topup",
		[]byte(`{"pack":"xl","user_id":"u_123"}`), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	// 校验必须先于任何处理器调用
	require.Equal(t, 0, env.fake.calls)
}

func TestCheckoutTopupShortUserID(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodPost, "/checkout/topup",
		[]byte(`{"pack":"small","user_id":"ab"}`), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 0, env.fake.calls)
}

func TestCheckoutTopupSuccess(t *testing.T) {
	env := setupEnv(t)
	w := env.do(http.MethodPost, "/checkout/topup",
		[]byte(`{"pack":"small","user_id":"u_123"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "https://checkout.stripe.test/pay/price_small", body["url"])

	// 收银台参数盖章：client_reference_id 和 metadata 双写
	require.Len(t, env.fake.topupParams, 1)
	p := env.fake.topupParams[0]
	require.Equal(t, "u_123", p.UserID)
	require.Equal(t, "small", p.Pack)
	require.Equal(t, "cus_fake_1", p.CustomerID)

	// 映射与零值余额行已落库
	var user model.User
	require.NoError(t, env.db.Where("user_id = ?", "u_123").First(&user).Error)
	require.Equal(t, "cus_fake_1", user.StripeCustomerID)
	balance := env.balanceOf(t, "u_123")
	require.EqualValues(t, 0, balance.PurchasedPointsRemaining)
}

func TestCheckoutTopupReusesMapping(t *testing.T) {
	env := setupEnv(t)
	require.NoError(t, env.db.Create(&model.User{UserID: "u_123", StripeCustomerID: "cus_existing"}).Error)

	w := env.do(http.MethodPost, "/checkout/topup",
		[]byte(`{"pack":"medium","user_id":"u_123"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)

	// 已有合法映射时不再创建新客户
	require.Equal(t, 0, env.fake.customerSeq)
	require.Equal(t, "cus_existing", env.fake.topupParams[0].CustomerID)
}

// ============================================================
// webhook
// ============================================================

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := setupEnv(t)
	payload := checkoutCompletedPayload("evt_1", "cus_1", "u_1", map[string]string{"pack": "small"}, "payment")

	// 错误密钥签出的头
	w := env.do(http.MethodPost, "/stripe/webhook", payload, map[string]string{
		"Stripe-Signature": stripeSigHeader(payload, "whsec_wrong_secret"),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// 缺失签名头
	w = env.do(http.MethodPost, "/stripe/webhook", payload, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// 任何未验签载荷都不得触达台账
	require.EqualValues(t, 0, env.ledgerCount(t))
}

func TestWebhookTopupScenario(t *testing.T) {
	env := setupEnv(t)
	payload := checkoutCompletedPayload("evt_1", "cus_1", "u_1", map[string]string{"pack": "small", "user_id": "u_1"}, "payment")

	// 首次投递：入账 300
	w := env.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["ok"])
	require.EqualValues(t, 300, env.balanceOf(t, "u_1").PurchasedPointsRemaining)

	// 映射在 webhook 时刻可靠落库
	var user model.User
	require.NoError(t, env.db.Where("user_id = ?", "u_1").First(&user).Error)
	require.Equal(t, "cus_1", user.StripeCustomerID)

	// 重复投递：余额不变，台账仍只有一行 stripe:evt_1
	w = env.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 300, env.balanceOf(t, "u_1").PurchasedPointsRemaining)

	var count int64
	require.NoError(t, env.db.Model(&model.LedgerEntry{}).Where("id = ?", "stripe:evt_1").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestWebhookTopupFallsBackToMetadata(t *testing.T) {
	env := setupEnv(t)
	// 没有 client_reference_id，只有 metadata.user_id
	payload := checkoutCompletedPayload("evt_1", "cus_1", "", map[string]string{"pack": "large", "user_id": "u_9"}, "payment")

	w := env.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 2500, env.balanceOf(t, "u_9").PurchasedPointsRemaining)
}

func TestWebhookTopupUnattributableIgnored(t *testing.T) {
	env := setupEnv(t)
	// mode=payment 但没有任何可恢复的用户标识
	payload := checkoutCompletedPayload("evt_1", "cus_1", "", nil, "payment")

	w := env.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, true, body["ok"])
	require.Equal(t, true, body["ignored"])
	require.Equal(t, "missing stable user mapping", body["reason"])

	require.EqualValues(t, 0, env.ledgerCount(t))
}

func TestWebhookTopupMissingPackIgnored(t *testing.T) {
	env := setupEnv(t)
	payload := checkoutCompletedPayload("evt_1", "cus_1", "u_1", nil, "payment")

	w := env.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "missing pack", decodeBody(t, w)["reason"])
	require.EqualValues(t, 0, env.ledgerCount(t))
}

func TestWebhookSubscriptionModeSessionIgnored(t *testing.T) {
	env := setupEnv(t)
	payload := checkoutCompletedPayload("evt_1", "cus_1", "u_1", map[string]string{"pack": "small"}, "subscription")

	w := env.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "not a payment session", decodeBody(t, w)["reason"])
	require.EqualValues(t, 0, env.ledgerCount(t))
}

func TestWebhookInvoicePaidScenario(t *testing.T) {
	env := setupEnv(t)
	// 既有映射：u_1 ↔ cus_1
	require.NoError(t, env.db.Create(&model.User{UserID: "u_1", StripeCustomerID: "cus_1"}).Error)
	require.NoError(t, env.db.Create(&model.Balance{UserID: "u_1", MonthlyPointsRemaining: 50}).Error)

	// 第一次续费：50 -> 200
	w := env.postWebhook(t, invoicePaidPayload("evt_2", "cus_1"))
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 200, env.balanceOf(t, "u_1").MonthlyPointsRemaining)

	// 第二次续费：仍是 200（重置，不累加）
	w = env.postWebhook(t, invoicePaidPayload("evt_3", "cus_1"))
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 200, env.balanceOf(t, "u_1").MonthlyPointsRemaining)

	// 两个事件各一行台账
	var count int64
	require.NoError(t, env.db.Model(&model.LedgerEntry{}).
		Where("kind = ?", model.LedgerKindMonthlyReset).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestWebhookInvoiceUnmappedCustomerIgnored(t *testing.T) {
	env := setupEnv(t)
	w := env.postWebhook(t, invoicePaidPayload("evt_2", "cus_unknown"))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, true, body["ignored"])
	require.Equal(t, "no user mapping", body["reason"])
	require.EqualValues(t, 0, env.ledgerCount(t))
}

func TestWebhookInvoiceMissingCustomerIgnored(t *testing.T) {
	env := setupEnv(t)
	w := env.postWebhook(t, invoicePaidPayload("evt_2", ""))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "invoice missing customer", decodeBody(t, w)["reason"])
}

func TestWebhookUnknownEventTypeIgnored(t *testing.T) {
	env := setupEnv(t)
	payload, _ := json.Marshal(map[string]interface{}{
		"id":          "evt_x",
		"object":      "event",
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"type":        "customer.created",
		"data":        map[string]interface{}{"object": map[string]interface{}{"object": "customer"}},
	})

	w := env.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, true, body["ignored"])
	require.Equal(t, "customer.created", body["event_type"])
	require.EqualValues(t, 0, env.ledgerCount(t))
}
