// Package webhook verifies Stripe deliveries and dispatches them to settlement.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/models"
	"github.com/operatorkit/backend/internal/services/settlement"
)

var (
	// ErrSignatureInvalid is returned when a payload fails signature verification
	ErrSignatureInvalid = errors.New("invalid webhook signature")
	// ErrInvalidEvent is returned when a verified payload cannot be decoded
	ErrInvalidEvent = errors.New("invalid webhook event")
	// ErrEventInFlight is returned when another delivery of the same event is being processed
	ErrEventInFlight = errors.New("webhook event is in-flight")
)

// Outcome is what a delivery did
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result describes a handled delivery
type Result struct {
	EventID string
	Type    string
	Outcome Outcome
}

// Settler applies decoded events
type Settler interface {
	CompleteCheckout(ctx context.Context, in settlement.CheckoutInput) (*settlement.CheckoutResult, error)
	ReverseForPayment(ctx context.Context, in settlement.ReversalInput) (*settlement.ReversalResult, error)
}

// Gateway verifies, decodes and dispatches Stripe events
type Gateway struct {
	secret  string
	settler Settler
	guard   InFlightGuard
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewGateway creates a gateway. A nil guard disables in-flight detection.
func NewGateway(secret string, settler Settler, guard InFlightGuard, logger *zap.Logger, m *metrics.Metrics) *Gateway {
	if guard == nil {
		guard = NoopGuard{}
	}
	return &Gateway{
		secret:  secret,
		settler: settler,
		guard:   guard,
		logger:  logger,
		metrics: m,
	}
}

// Verify checks the Stripe-Signature header against the raw payload and
// returns the event. Nothing in the payload is trusted before this succeeds.
func (g *Gateway) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	if sigHeader == "" {
		return stripe.Event{}, ErrSignatureInvalid
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}

// Handle processes one delivery end to end
func (g *Gateway) Handle(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	raw, err := g.Verify(payload, sigHeader)
	if err != nil {
		g.metrics.WebhookEvents.WithLabelValues("unverified", "rejected").Inc()
		return nil, err
	}

	event, err := Decode(raw)
	if err != nil {
		g.metrics.WebhookEvents.WithLabelValues(string(raw.Type), "invalid").Inc()
		return nil, err
	}

	log := g.logger.With(zap.String("event_id", event.EventID()), zap.String("type", event.EventType()))

	acquired, err := g.guard.Acquire(ctx, event.EventID())
	if err != nil {
		// the guard is advisory; the ledger constraint still protects us
		log.Warn("in-flight guard unavailable", zap.Error(err))
		acquired = true
	}
	if !acquired {
		g.metrics.WebhookEvents.WithLabelValues(event.EventType(), "in_flight").Inc()
		log.Warn("event is already in-flight; returning non-2xx so Stripe retries")
		return nil, ErrEventInFlight
	}
	defer g.guard.Release(context.WithoutCancel(ctx), event.EventID())

	outcome, err := g.dispatch(ctx, event, log)
	if err != nil {
		g.metrics.WebhookEvents.WithLabelValues(event.EventType(), "failed").Inc()
		log.Error("webhook processing failed", zap.Error(err))
		return nil, err
	}

	g.metrics.WebhookEvents.WithLabelValues(event.EventType(), string(outcome)).Inc()
	return &Result{EventID: event.EventID(), Type: event.EventType(), Outcome: outcome}, nil
}

func (g *Gateway) dispatch(ctx context.Context, event Event, log *zap.Logger) (Outcome, error) {
	switch e := event.(type) {
	case CheckoutCompleted:
		if e.ProductKey == "" {
			log.Warn("checkout session has no product_key metadata")
		}
		result, err := g.settler.CompleteCheckout(ctx, settlement.CheckoutInput{
			EventID:            e.ID,
			CheckoutSessionID:  e.SessionID,
			PaymentReferenceID: e.PaymentIntentID,
			CustomerEmail:      e.CustomerEmail,
			ProductKey:         e.ProductKey,
			GrossAmountCents:   e.AmountTotal,
			AffiliateCode:      e.AffiliateCode,
		})
		if errors.Is(err, settlement.ErrInvalidCheckout) {
			return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if err != nil {
			return "", err
		}
		if result.Replayed {
			return OutcomeDuplicate, nil
		}
		return OutcomeProcessed, nil

	case PaymentSucceeded:
		log.Debug("payment succeeded, nothing to settle", zap.String("payment_intent", e.PaymentIntentID))
		return OutcomeIgnored, nil

	case ChargeRefunded:
		return g.reverse(ctx, e.ID, paymentReference(e.PaymentIntentID, e.ChargeID), models.ReversalReasonRefund)

	case DisputeCreated:
		log.Warn("dispute opened", zap.String("dispute_id", e.DisputeID), zap.String("dispute_reason", e.Reason))
		return g.reverse(ctx, e.ID, paymentReference(e.PaymentIntentID, e.ChargeID), models.ReversalReasonDispute)

	case Unknown:
		log.Info("Stripe webhook ignored (unhandled type)")
		return OutcomeIgnored, nil

	default:
		return "", fmt.Errorf("%w: unhandled event kind %T", ErrInvalidEvent, event)
	}
}

func (g *Gateway) reverse(ctx context.Context, eventID, paymentRef string, reason models.ReversalReason) (Outcome, error) {
	result, err := g.settler.ReverseForPayment(ctx, settlement.ReversalInput{
		EventID:            eventID,
		PaymentReferenceID: paymentRef,
		Reason:             reason,
	})
	if err != nil {
		return "", err
	}
	if result.Matched > 0 && result.Reversed == 0 && len(result.PausedAffiliates) == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

// paymentReference prefers the payment intent, which is what checkout records
func paymentReference(paymentIntentID, chargeID string) string {
	if paymentIntentID != "" {
		return paymentIntentID
	}
	return chargeID
}
