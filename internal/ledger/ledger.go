// Package ledger holds the commission state machine.
//
// An entry starts pending, may clear once its hold window has passed and may
// be reversed from either pending or cleared. Reversed is terminal.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/operatorkit/backend/internal/models"
)

// ErrInvalidTransition is returned for a state change the ledger does not allow
var ErrInvalidTransition = errors.New("invalid commission transition")

var transitions = map[models.CommissionStatus][]models.CommissionStatus{
	models.CommissionStatusPending: {models.CommissionStatusCleared, models.CommissionStatusReversed},
	models.CommissionStatusCleared: {models.CommissionStatusReversed},
}

// CanTransition reports whether an entry may move from one status to another
func CanTransition(from, to models.CommissionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsReversible reports whether a refund or dispute still affects an entry in this status
func IsReversible(status models.CommissionStatus) bool {
	return CanTransition(status, models.CommissionStatusReversed)
}

// EligibleAt returns the end of the hold window for an entry created at createdAt
func EligibleAt(createdAt time.Time, holdDays int) time.Time {
	return createdAt.AddDate(0, 0, holdDays)
}

// NewPending builds a pending entry that may clear at eligibleAt. The caller fills in attribution fields.
func NewPending(event string, grossCents, commissionCents int64, createdAt, eligibleAt time.Time) *models.CommissionEntry {
	entry := &models.CommissionEntry{
		EventID:          event,
		GrossAmountCents: grossCents,
		CommissionCents:  commissionCents,
		Status:           models.CommissionStatusPending,
		EligibleAt:       eligibleAt,
	}
	entry.CreatedAt = createdAt
	entry.UpdatedAt = createdAt
	return entry
}

// Clear moves a pending entry to cleared. It refuses entries still inside their hold window.
func Clear(entry *models.CommissionEntry, now time.Time) error {
	if !CanTransition(entry.Status, models.CommissionStatusCleared) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, models.CommissionStatusCleared)
	}
	if now.Before(entry.EligibleAt) {
		return fmt.Errorf("%w: entry %s is held until %s", ErrInvalidTransition, entry.EventID, entry.EligibleAt.Format(time.RFC3339))
	}
	entry.Status = models.CommissionStatusCleared
	entry.ClearedAt = &now
	entry.UpdatedAt = now
	return nil
}

// Reverse moves an entry to reversed and stamps the reason.
// It returns false without touching the entry when the entry is already reversed.
func Reverse(entry *models.CommissionEntry, reason models.ReversalReason, now time.Time) (bool, error) {
	if entry.Status == models.CommissionStatusReversed {
		return false, nil
	}
	if !IsReversible(entry.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, models.CommissionStatusReversed)
	}
	switch reason {
	case models.ReversalReasonRefund, models.ReversalReasonDispute:
	default:
		return false, fmt.Errorf("unknown reversal reason %q", reason)
	}
	entry.Status = models.CommissionStatusReversed
	entry.ReversalReason = reason
	entry.ReversedAt = &now
	entry.UpdatedAt = now
	return true, nil
}
