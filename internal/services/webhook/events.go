package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
)

// Event is a decoded, verified payment event. The concrete type is one of
// CheckoutCompleted, PaymentSucceeded, ChargeRefunded, DisputeCreated or Unknown.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type envelope struct {
	ID   string
	Type string
}

func (e envelope) EventID() string   { return e.ID }
func (e envelope) EventType() string { return e.Type }
func (envelope) isEvent()            {}

// CheckoutCompleted is checkout.session.completed
type CheckoutCompleted struct {
	envelope
	SessionID       string
	CustomerEmail   string
	PaymentIntentID string
	AmountTotal     int64
	ProductKey      string
	AffiliateCode   string
}

// PaymentSucceeded is payment_intent.succeeded. It carries no settlement work.
type PaymentSucceeded struct {
	envelope
	PaymentIntentID string
}

// ChargeRefunded is charge.refunded
type ChargeRefunded struct {
	envelope
	ChargeID        string
	PaymentIntentID string
	AmountRefunded  int64
}

// DisputeCreated is charge.dispute.created
type DisputeCreated struct {
	envelope
	DisputeID       string
	ChargeID        string
	PaymentIntentID string
	Reason          string
}

// Unknown is any event type this service does not act on
type Unknown struct {
	envelope
}

// objectRef decodes a field Stripe sends either as an id string or as an expanded object
type objectRef string

func (r *objectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = objectRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = objectRef(obj.ID)
	return nil
}

type checkoutSessionPayload struct {
	ID                string    `json:"id"`
	CustomerEmail     string    `json:"customer_email"`
	AmountTotal       int64     `json:"amount_total"`
	PaymentIntent     objectRef `json:"payment_intent"`
	ClientReferenceID string    `json:"client_reference_id"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type paymentIntentPayload struct {
	ID string `json:"id"`
}

type chargePayload struct {
	ID             string    `json:"id"`
	PaymentIntent  objectRef `json:"payment_intent"`
	AmountRefunded int64     `json:"amount_refunded"`
}

type disputePayload struct {
	ID            string    `json:"id"`
	Charge        objectRef `json:"charge"`
	PaymentIntent objectRef `json:"payment_intent"`
	Reason        string    `json:"reason"`
}

// Decode maps a verified Stripe event onto the closed set of event kinds
func Decode(event stripe.Event) (Event, error) {
	env := envelope{ID: event.ID, Type: string(event.Type)}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", ErrInvalidEvent)
	}
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session checkoutSessionPayload
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("%w: decode checkout.session: %v", ErrInvalidEvent, err)
		}
		customerEmail := session.CustomerEmail
		if customerEmail == "" && session.CustomerDetails != nil {
			customerEmail = session.CustomerDetails.Email
		}
		if session.ID == "" || strings.TrimSpace(customerEmail) == "" {
			return nil, fmt.Errorf("%w: checkout session without id or customer email", ErrInvalidEvent)
		}
		affiliateCode := session.Metadata["affiliate_code"]
		if affiliateCode == "" {
			affiliateCode = session.ClientReferenceID
		}
		return CheckoutCompleted{
			envelope:        env,
			SessionID:       session.ID,
			CustomerEmail:   customerEmail,
			PaymentIntentID: string(session.PaymentIntent),
			AmountTotal:     session.AmountTotal,
			ProductKey:      session.Metadata["product_key"],
			AffiliateCode:   affiliateCode,
		}, nil

	case stripe.EventTypePaymentIntentSucceeded:
		var intent paymentIntentPayload
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: decode payment_intent: %v", ErrInvalidEvent, err)
		}
		return PaymentSucceeded{envelope: env, PaymentIntentID: intent.ID}, nil

	case stripe.EventTypeChargeRefunded:
		var charge chargePayload
		if err := json.Unmarshal(raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: decode charge: %v", ErrInvalidEvent, err)
		}
		return ChargeRefunded{
			envelope:        env,
			ChargeID:        charge.ID,
			PaymentIntentID: string(charge.PaymentIntent),
			AmountRefunded:  charge.AmountRefunded,
		}, nil

	case stripe.EventTypeChargeDisputeCreated:
		var dispute disputePayload
		if err := json.Unmarshal(raw, &dispute); err != nil {
			return nil, fmt.Errorf("%w: decode dispute: %v", ErrInvalidEvent, err)
		}
		return DisputeCreated{
			envelope:        env,
			DisputeID:       dispute.ID,
			ChargeID:        string(dispute.Charge),
			PaymentIntentID: string(dispute.PaymentIntent),
			Reason:          dispute.Reason,
		}, nil

	default:
		return Unknown{envelope: env}, nil
	}
}
