package models

import (
	"time"
)

// AffiliateStatus represents whether an affiliate can earn commissions
type AffiliateStatus string

const (
	AffiliateStatusActive AffiliateStatus = "active"
	AffiliateStatusPaused AffiliateStatus = "paused"
)

// Pause reasons recorded on the affiliate account
const (
	PauseReasonDispute         = "dispute"
	PauseReasonRefundThreshold = "refund_threshold"
)

// AffiliateAccount holds the aggregate counters for a referring affiliate.
// Counters are only mutated as a side effect of ledger transitions.
type AffiliateAccount struct {
	Base
	ReferralCode     string          `gorm:"type:varchar(50);uniqueIndex;not null" json:"referral_code"`
	Name             string          `gorm:"type:varchar(255)" json:"name"`
	Email            string          `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Status           AffiliateStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	TotalConversions int             `gorm:"not null;default:0" json:"total_conversions"`
	RefundCount      int             `gorm:"not null;default:0" json:"refund_count"`
	LastRefundAt     *time.Time      `json:"last_refund_at,omitempty"`
	PausedAt         *time.Time      `json:"paused_at,omitempty"`
	PauseReason      string          `gorm:"type:varchar(50)" json:"pause_reason,omitempty"`
}

// TableName pins the table name used by migrations
func (AffiliateAccount) TableName() string {
	return "affiliate_accounts"
}

// IsActive reports whether the affiliate may still earn commissions
func (a *AffiliateAccount) IsActive() bool {
	return a.Status == AffiliateStatusActive
}
