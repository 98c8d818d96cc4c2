package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/operatorkit/backend/internal/ledger"
)

// ErrInvalidTable is returned when a product table cannot be parsed
var ErrInvalidTable = errors.New("invalid product table")

// Defaults used by operators when seeding the environment
const (
	DefaultHoldDays             = 14
	DefaultRefundPauseThreshold = 3
)

// Policy holds the settlement rules applied to every ledger write.
// It is pure configuration and safe for concurrent use once built.
type Policy struct {
	// CommissionCents is the fixed commission paid per product key
	CommissionCents map[string]int64
	// AccessDays is how long an unlock grants access per product key.
	// Products missing from the table grant access without expiry.
	AccessDays map[string]int
	// HoldDays is the number of days a commission stays pending
	HoldDays int
	// RefundPauseThreshold is the lifetime refund count that pauses an affiliate
	RefundPauseThreshold int
}

// New validates and builds a policy
func New(commissions map[string]int64, accessDays map[string]int, holdDays, refundPauseThreshold int) (*Policy, error) {
	if len(commissions) == 0 {
		return nil, fmt.Errorf("%w: commission table is empty", ErrInvalidTable)
	}
	if holdDays < 0 {
		return nil, fmt.Errorf("hold days must not be negative, got %d", holdDays)
	}
	if refundPauseThreshold < 1 {
		return nil, fmt.Errorf("refund pause threshold must be at least 1, got %d", refundPauseThreshold)
	}
	if accessDays == nil {
		accessDays = map[string]int{}
	}
	return &Policy{
		CommissionCents:      commissions,
		AccessDays:           accessDays,
		HoldDays:             holdDays,
		RefundPauseThreshold: refundPauseThreshold,
	}, nil
}

// CommissionFor returns the commission for a product and whether the product is priced
func (p *Policy) CommissionFor(productKey string) (int64, bool) {
	cents, ok := p.CommissionCents[productKey]
	return cents, ok
}

// EligibleAt returns the time a commission created at createdAt may clear
func (p *Policy) EligibleAt(createdAt time.Time) time.Time {
	return ledger.EligibleAt(createdAt, p.HoldDays)
}

// ShouldPauseAfterRefund reports whether a post-increment refund count pauses the affiliate.
// The count is cumulative over the account's lifetime, not a rolling window.
func (p *Policy) ShouldPauseAfterRefund(refundCount int) bool {
	return refundCount >= p.RefundPauseThreshold
}

// AccessExpiry returns when access granted at grantedAt ends, or nil for no expiry
func (p *Policy) AccessExpiry(productKey string, grantedAt time.Time) *time.Time {
	days, ok := p.AccessDays[productKey]
	if !ok || days <= 0 {
		return nil
	}
	expiry := grantedAt.AddDate(0, 0, days)
	return &expiry
}

// ParseCommissionTable parses "product:cents,product:cents"
func ParseCommissionTable(raw string) (map[string]int64, error) {
	table := make(map[string]int64)
	err := parsePairs(raw, func(key, value string) error {
		cents, err := strconv.ParseInt(value, 10, 64)
		if err != nil || cents < 0 {
			return fmt.Errorf("%w: bad commission %q for %s", ErrInvalidTable, value, key)
		}
		table[key] = cents
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: commission table is empty", ErrInvalidTable)
	}
	return table, nil
}

// ParseAccessDaysTable parses "product:days,product:days". An empty string yields an empty table.
func ParseAccessDaysTable(raw string) (map[string]int, error) {
	table := make(map[string]int)
	err := parsePairs(raw, func(key, value string) error {
		days, err := strconv.Atoi(value)
		if err != nil || days < 0 {
			return fmt.Errorf("%w: bad access days %q for %s", ErrInvalidTable, value, key)
		}
		table[key] = days
		return nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

func parsePairs(raw string, set func(key, value string) error) error {
	seen := make(map[string]bool)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return fmt.Errorf("%w: malformed entry %q", ErrInvalidTable, item)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate product %q", ErrInvalidTable, key)
		}
		seen[key] = true
		if err := set(key, value); err != nil {
			return err
		}
	}
	return nil
}
