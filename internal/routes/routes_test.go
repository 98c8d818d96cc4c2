package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/codes"
	"github.com/operatorkit/backend/internal/handlers"
	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/middleware"
	"github.com/operatorkit/backend/internal/policy"
	"github.com/operatorkit/backend/internal/repository"
	"github.com/operatorkit/backend/internal/services/affiliate"
	"github.com/operatorkit/backend/internal/services/email"
	"github.com/operatorkit/backend/internal/services/settlement"
	"github.com/operatorkit/backend/internal/services/webhook"
	"github.com/operatorkit/backend/internal/testutil"
)

type recordingSender struct {
	sent []string
}

func (r *recordingSender) SendReceiptEmail(_ context.Context, to string, _ email.ReceiptPayload) error {
	r.sent = append(r.sent, to)
	return nil
}

type harness struct {
	router   *gin.Engine
	store    *repository.MemoryStore
	sender   *recordingSender
	registry *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	logger := zap.NewNop()

	issuer, err := codes.NewIssuer("OPS")
	require.NoError(t, err)
	hasher, err := codes.NewHasher("routes-test-hash-secret")
	require.NoError(t, err)
	p, err := policy.New(map[string]int64{"operator_monthly": 285}, map[string]int{"operator_monthly": 30}, 14, 3)
	require.NoError(t, err)

	sender := &recordingSender{}
	settler := settlement.NewService(store, issuer, hasher, p, affiliate.NewService(store, logger), sender, logger, m)
	gateway := webhook.NewGateway(testutil.TestWebhookSecret, settler, nil, logger, m)

	limiter := middleware.NewRateLimiter(100, 100)
	t.Cleanup(limiter.Stop)

	router := SetupRouter(RouterDeps{
		Logger:         logger,
		WebhookHandler: handlers.NewWebhookHandler(gateway, logger),
		RateLimiter:    limiter,
		Gatherer:       registry,
	})
	return &harness{router: router, store: store, sender: sender, registry: registry}
}

func (h *harness) deliver(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStripeCheckoutDeliveredTwice(t *testing.T) {
	h := newHarness(t)
	payload := testutil.StripeEvent(t, "evt_checkout", stripe.EventTypeCheckoutSessionCompleted,
		testutil.CheckoutSessionObject("cs_1", "Buyer@Example.com", "pi_1", "operator_monthly", "", 1900))
	signature := testutil.SignStripePayload(payload, testutil.TestWebhookSecret)

	first := h.deliver(payload, signature)
	require.Equal(t, http.StatusOK, first.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &body))
	assert.Equal(t, "processed", body["status"])

	second := h.deliver(payload, signature)
	require.Equal(t, http.StatusOK, second.Code)
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, "duplicate", body["status"])

	assert.Equal(t, []string{"buyer@example.com"}, h.sender.sent, "a redelivery never sends a second receipt")

	require.NoError(t, h.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		code, err := tx.Codes().GetBySession(context.Background(), "cs_1")
		require.NoError(t, err)
		assert.Equal(t, "buyer@example.com", code.UserEmail)
		return nil
	}))

	metricsOut := httptest.NewRecorder()
	h.router.ServeHTTP(metricsOut, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, metricsOut.Code)
	assert.Contains(t, metricsOut.Body.String(), "operatorkit_webhook_events_total")
}

func TestStripeUnsignedDeliveryRejected(t *testing.T) {
	h := newHarness(t)
	payload := testutil.StripeEvent(t, "evt_forged", stripe.EventTypeCheckoutSessionCompleted,
		testutil.CheckoutSessionObject("cs_forged", "mallory@example.com", "pi_x", "operator_monthly", "", 1900))

	w := h.deliver(payload, "t=1,v1=deadbeef")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.sender.sent)
	require.NoError(t, h.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		_, err := tx.Codes().GetBySession(context.Background(), "cs_forged")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		return nil
	}))
}
