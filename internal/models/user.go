package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the access record for a paying customer, keyed by email.
// A customer may repurchase; the record then points at the newest code.
type User struct {
	Base
	Email           string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	UnlockCode      string     `gorm:"type:varchar(64);not null" json:"unlock_code"`
	ProductKey      string     `gorm:"type:varchar(100)" json:"product_key"`
	AffiliateID     *uuid.UUID `gorm:"type:uuid;index" json:"affiliate_id,omitempty"`
	AccessGrantedAt time.Time  `json:"access_granted_at"`
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
}

// TableName pins the table name used by migrations
func (User) TableName() string {
	return "users"
}
