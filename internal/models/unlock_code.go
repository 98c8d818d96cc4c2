package models

import (
	"time"
)

// CodeStatus represents the lifecycle of an unlock code
type CodeStatus string

const (
	CodeStatusAvailable CodeStatus = "available"
	CodeStatusUsed      CodeStatus = "used"
)

// UnlockCode is an issued access code. Codes are minted at checkout and bound
// to the paying customer's email immediately.
type UnlockCode struct {
	Base
	Code              string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	CodeHash          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`
	Status            CodeStatus `gorm:"type:varchar(20);not null" json:"status"`
	UserEmail         string     `gorm:"type:varchar(255);index" json:"user_email"`
	AffiliateCode     string     `gorm:"type:varchar(50)" json:"affiliate_code,omitempty"`
	CheckoutSessionID *string    `gorm:"type:varchar(255);uniqueIndex" json:"checkout_session_id,omitempty"`
	ProductKey        string     `gorm:"type:varchar(100)" json:"product_key"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// TableName pins the table name used by migrations
func (UnlockCode) TableName() string {
	return "unlock_codes"
}
