package models

import (
	"time"

	"github.com/google/uuid"
)

// CommissionStatus represents the state of a ledger entry
type CommissionStatus string

const (
	CommissionStatusPending  CommissionStatus = "pending"
	CommissionStatusCleared  CommissionStatus = "cleared"
	CommissionStatusReversed CommissionStatus = "reversed"
)

// ReversalReason records why a commission was reversed
type ReversalReason string

const (
	ReversalReasonRefund  ReversalReason = "refund"
	ReversalReasonDispute ReversalReason = "dispute"
)

// CommissionEntry is one row of the commission ledger, keyed by the payment
// provider's event id.
type CommissionEntry struct {
	Base
	AffiliateID        uuid.UUID        `gorm:"type:uuid;not null;index" json:"affiliate_id"`
	AffiliateCode      string           `gorm:"type:varchar(50);not null" json:"affiliate_code"`
	EventID            string           `gorm:"type:varchar(255);uniqueIndex;not null" json:"event_id"`
	CheckoutSessionID  string           `gorm:"type:varchar(255);index" json:"checkout_session_id"`
	PaymentReferenceID string           `gorm:"type:varchar(255);index" json:"payment_reference_id"`
	CustomerEmail      string           `gorm:"type:varchar(255);not null" json:"customer_email"`
	ProductKey         string           `gorm:"type:varchar(100);not null" json:"product_key"`
	GrossAmountCents   int64            `gorm:"not null" json:"gross_amount_cents"`
	CommissionCents    int64            `gorm:"not null" json:"commission_cents"`
	Status             CommissionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	EligibleAt         time.Time        `gorm:"not null;index" json:"eligible_at"`
	ClearedAt          *time.Time       `json:"cleared_at,omitempty"`
	ReversedAt         *time.Time       `json:"reversed_at,omitempty"`
	ReversalReason     ReversalReason   `gorm:"type:varchar(20)" json:"reversal_reason,omitempty"`
}

// TableName pins the table name used by migrations
func (CommissionEntry) TableName() string {
	return "commission_entries"
}
