package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// TestWebhookSecret is the signing secret used by webhook tests
const TestWebhookSecret = "whsec_test_settlement"

// StripeEvent builds a Stripe event envelope around object
func StripeEvent(t testing.TB, id string, eventType stripe.EventType, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"livemode":    false,
		"data": map[string]interface{}{
			"object": object,
		},
	})
	require.NoError(t, err)
	return payload
}

// SignStripePayload returns the Stripe-Signature header for payload
func SignStripePayload(payload []byte, secret string) string {
	return SignStripePayloadAt(payload, secret, time.Now())
}

// SignStripePayloadAt signs payload with an explicit timestamp
func SignStripePayloadAt(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

// CheckoutSessionObject is a minimal checkout.session payload
func CheckoutSessionObject(sessionID, email, paymentIntent, productKey, affiliateCode string, amountCents int64) map[string]interface{} {
	metadata := map[string]interface{}{"product_key": productKey}
	if affiliateCode != "" {
		metadata["affiliate_code"] = affiliateCode
	}
	return map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"customer_email": email,
		"amount_total":   amountCents,
		"payment_intent": paymentIntent,
		"payment_status": "paid",
		"metadata":       metadata,
	}
}

// ChargeObject is a minimal charge payload
func ChargeObject(chargeID, paymentIntent string, refundedCents int64) map[string]interface{} {
	return map[string]interface{}{
		"id":              chargeID,
		"object":          "charge",
		"payment_intent":  paymentIntent,
		"amount_refunded": refundedCents,
		"refunded":        true,
	}
}

// DisputeObject is a minimal dispute payload
func DisputeObject(disputeID, chargeID, paymentIntent string) map[string]interface{} {
	return map[string]interface{}{
		"id":             disputeID,
		"object":         "dispute",
		"charge":         chargeID,
		"payment_intent": paymentIntent,
		"reason":         "fraudulent",
		"status":         "needs_response",
	}
}
