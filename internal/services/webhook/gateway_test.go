package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/codes"
	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/models"
	"github.com/operatorkit/backend/internal/policy"
	"github.com/operatorkit/backend/internal/repository"
	"github.com/operatorkit/backend/internal/services/affiliate"
	"github.com/operatorkit/backend/internal/services/email"
	"github.com/operatorkit/backend/internal/services/settlement"
	"github.com/operatorkit/backend/internal/testutil"
)

var ctx = context.Background()

type mockSettler struct {
	mock.Mock
}

func (m *mockSettler) CompleteCheckout(ctx context.Context, in settlement.CheckoutInput) (*settlement.CheckoutResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.CheckoutResult), args.Error(1)
}

func (m *mockSettler) ReverseForPayment(ctx context.Context, in settlement.ReversalInput) (*settlement.ReversalResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.ReversalResult), args.Error(1)
}

type stubGuard struct {
	acquire  bool
	err      error
	released []string
}

func (g *stubGuard) Acquire(context.Context, string) (bool, error) { return g.acquire, g.err }
func (g *stubGuard) Release(_ context.Context, id string)          { g.released = append(g.released, id) }

type nopReceipts struct{}

func (nopReceipts) SendReceiptEmail(context.Context, string, email.ReceiptPayload) error { return nil }

func newSettlement(t *testing.T, store repository.Store) *settlement.Service {
	t.Helper()
	issuer, err := codes.NewIssuer("OPS")
	require.NoError(t, err)
	hasher, err := codes.NewHasher("gateway-test-secret-value")
	require.NoError(t, err)
	p, err := policy.New(map[string]int64{"operator_monthly": 285}, nil, 14, 3)
	require.NoError(t, err)
	return settlement.NewService(store, issuer, hasher, p,
		affiliate.NewService(store, zap.NewNop()), nopReceipts{}, zap.NewNop(), metrics.NewNop())
}

func signed(t *testing.T, id string, eventType stripe.EventType, object map[string]interface{}) ([]byte, string) {
	payload := testutil.StripeEvent(t, id, eventType, object)
	return payload, testutil.SignStripePayload(payload, testutil.TestWebhookSecret)
}

func TestHandleRejectsBadSignatures(t *testing.T) {
	settler := &mockSettler{}
	g := NewGateway(testutil.TestWebhookSecret, settler, nil, zap.NewNop(), metrics.NewNop())

	payload, header := signed(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted,
		testutil.CheckoutSessionObject("cs_1", "buyer@example.com", "pi_1", "operator_monthly", "", 1900))

	_, err := g.Handle(ctx, payload, "")
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = g.Handle(ctx, payload, testutil.SignStripePayload(payload, "whsec_someone_else"))
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = g.Handle(ctx, tampered, header)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	stale := testutil.SignStripePayloadAt(payload, testutil.TestWebhookSecret, time.Now().Add(-time.Hour))
	_, err = g.Handle(ctx, payload, stale)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	settler.AssertNotCalled(t, "CompleteCheckout", mock.Anything, mock.Anything)
}

func TestHandleEndToEnd(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.Affiliates().Create(ctx, &models.AffiliateAccount{ReferralCode: "JOHN2K9P7", Email: "john@affiliates.dev"})
	}))
	g := NewGateway(testutil.TestWebhookSecret, newSettlement(t, store), NoopGuard{}, zap.NewNop(), metrics.NewNop())

	checkoutObj := testutil.CheckoutSessionObject("cs_1", "buyer@example.com", "pi_1", "operator_monthly", "JOHN2K9P7", 1900)
	payload, header := signed(t, "evt_checkout", stripe.EventTypeCheckoutSessionCompleted, checkoutObj)

	result, err := g.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, "evt_checkout", result.EventID)

	result, err = g.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)

	payload, header = signed(t, "evt_paid", stripe.EventTypePaymentIntentSucceeded, map[string]interface{}{"id": "pi_1"})
	result, err = g.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	payload, header = signed(t, "evt_refund", stripe.EventTypeChargeRefunded, testutil.ChargeObject("ch_1", "pi_1", 1900))
	result, err = g.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	result, err = g.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)

	payload, header = signed(t, "evt_other", "invoice.finalized", map[string]interface{}{"id": "in_1"})
	result, err = g.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	require.NoError(t, store.WithinTx(ctx, func(tx repository.Tx) error {
		entry, err := tx.Ledger().GetByEventID(ctx, "evt_checkout")
		require.NoError(t, err)
		assert.Equal(t, models.CommissionStatusReversed, entry.Status)
		account, err := tx.Affiliates().GetByCode(ctx, "JOHN2K9P7")
		require.NoError(t, err)
		assert.Equal(t, 1, account.RefundCount)
		return nil
	}))
}

func TestHandleInFlight(t *testing.T) {
	settler := &mockSettler{}
	guard := &stubGuard{acquire: false}
	g := NewGateway(testutil.TestWebhookSecret, settler, guard, zap.NewNop(), metrics.NewNop())

	payload, header := signed(t, "evt_1", stripe.EventTypeChargeRefunded, testutil.ChargeObject("ch_1", "pi_1", 1900))
	_, err := g.Handle(ctx, payload, header)
	assert.ErrorIs(t, err, ErrEventInFlight)
	assert.Empty(t, guard.released)
	settler.AssertNotCalled(t, "ReverseForPayment", mock.Anything, mock.Anything)
}

func TestHandleProceedsWhenGuardFails(t *testing.T) {
	settler := &mockSettler{}
	settler.On("ReverseForPayment", mock.Anything, settlement.ReversalInput{
		EventID: "evt_1", PaymentReferenceID: "pi_1", Reason: models.ReversalReasonRefund,
	}).Return(&settlement.ReversalResult{}, nil)
	guard := &stubGuard{err: errors.New("redis: connection refused")}
	g := NewGateway(testutil.TestWebhookSecret, settler, guard, zap.NewNop(), metrics.NewNop())

	payload, header := signed(t, "evt_1", stripe.EventTypeChargeRefunded, testutil.ChargeObject("ch_1", "pi_1", 1900))
	result, err := g.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, []string{"evt_1"}, guard.released)
	settler.AssertExpectations(t)
}

func TestHandleDisputeFallsBackToChargeReference(t *testing.T) {
	settler := &mockSettler{}
	settler.On("ReverseForPayment", mock.Anything, settlement.ReversalInput{
		EventID: "evt_d", PaymentReferenceID: "ch_1", Reason: models.ReversalReasonDispute,
	}).Return(&settlement.ReversalResult{}, nil)
	g := NewGateway(testutil.TestWebhookSecret, settler, nil, zap.NewNop(), metrics.NewNop())

	payload, header := signed(t, "evt_d", stripe.EventTypeChargeDisputeCreated, testutil.DisputeObject("dp_1", "ch_1", ""))
	_, err := g.Handle(ctx, payload, header)
	require.NoError(t, err)
	settler.AssertExpectations(t)
}

func TestHandleSurfacesProcessingErrors(t *testing.T) {
	settler := &mockSettler{}
	settler.On("CompleteCheckout", mock.Anything, mock.Anything).Return(nil, codes.ErrCodeGenerationExhausted).Once()
	settler.On("CompleteCheckout", mock.Anything, mock.Anything).Return(nil, settlement.ErrInvalidCheckout).Once()
	guard := &stubGuard{acquire: true}
	g := NewGateway(testutil.TestWebhookSecret, settler, guard, zap.NewNop(), metrics.NewNop())

	payload, header := signed(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted,
		testutil.CheckoutSessionObject("cs_1", "buyer@example.com", "pi_1", "operator_monthly", "", 1900))

	_, err := g.Handle(ctx, payload, header)
	assert.ErrorIs(t, err, codes.ErrCodeGenerationExhausted)
	assert.Equal(t, []string{"evt_1"}, guard.released, "the guard is released on failure so Stripe can retry")

	_, err = g.Handle(ctx, payload, header)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
