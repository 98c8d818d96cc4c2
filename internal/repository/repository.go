// Package repository persists the ledger, affiliate accounts, unlock codes and
// access records. Every operation runs against an explicit transaction handle
// obtained from Store.WithinTx; nothing here holds a global connection.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/operatorkit/backend/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEvent is returned when a ledger entry for the event id already exists.
	// Callers treat it as success-already-applied.
	ErrDuplicateEvent = errors.New("event already recorded")
	// ErrConflict is returned when a write violates a unique constraint
	ErrConflict = errors.New("conflicting record")
)

// Store hands out transactions
type Store interface {
	// WithinTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back on error or panic.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a transaction handle. It must not be used after fn returns.
type Tx interface {
	Ledger() LedgerStore
	Affiliates() AffiliateStore
	Codes() CodeStore
	Users() UserStore
}

// LedgerStore is the commission ledger
type LedgerStore interface {
	// InsertIfAbsent inserts the entry unless one exists for its event id,
	// in which case it returns ErrDuplicateEvent and writes nothing.
	InsertIfAbsent(ctx context.Context, entry *models.CommissionEntry) error
	GetByEventID(ctx context.Context, eventID string) (*models.CommissionEntry, error)
	FindByPaymentReference(ctx context.Context, paymentReferenceID string) ([]models.CommissionEntry, error)
	// Transition persists the entry's status fields only if the stored status
	// still equals from. It reports whether a row changed.
	Transition(ctx context.Context, entry *models.CommissionEntry, from models.CommissionStatus) (bool, error)
	// ListDueForClearing returns pending entries whose hold window ended at or before now
	ListDueForClearing(ctx context.Context, now time.Time, limit int) ([]models.CommissionEntry, error)
}

// AffiliateStore holds affiliate accounts and their counters
type AffiliateStore interface {
	Create(ctx context.Context, account *models.AffiliateAccount) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AffiliateAccount, error)
	GetByCode(ctx context.Context, referralCode string) (*models.AffiliateAccount, error)
	GetByEmail(ctx context.Context, email string) (*models.AffiliateAccount, error)
	IncrementConversions(ctx context.Context, id uuid.UUID) error
	// RecordRefund increments refund_count, stamps last_refund_at and returns the new count
	RecordRefund(ctx context.Context, id uuid.UUID, at time.Time) (int, error)
	// Pause moves an active affiliate to paused. It reports false if the affiliate was already paused.
	Pause(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)
}

// CodeStore is the unlock code registry
type CodeStore interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	GetBySession(ctx context.Context, checkoutSessionID string) (*models.UnlockCode, error)
	// Upsert inserts the code or updates the row holding the same code string
	Upsert(ctx context.Context, code *models.UnlockCode) error
}

// UserStore holds access records keyed by email
type UserStore interface {
	// UpsertByEmail inserts the user or replaces the access fields of the row with the same email
	UpsertByEmail(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
