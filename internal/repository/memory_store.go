package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/operatorkit/backend/internal/models"
)

// MemoryStore is an in-process back end with the same observable behavior as
// GormStore. Transactions are serialized by one mutex and a failed
// transaction restores the snapshot taken when it began.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	entries      map[uuid.UUID]models.CommissionEntry
	entryByEvent map[string]uuid.UUID
	affiliates   map[uuid.UUID]models.AffiliateAccount
	codes        map[string]models.UnlockCode
	users        map[string]models.User
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			entries:      make(map[uuid.UUID]models.CommissionEntry),
			entryByEvent: make(map[string]uuid.UUID),
			affiliates:   make(map[uuid.UUID]models.AffiliateAccount),
			codes:        make(map[string]models.UnlockCode),
			users:        make(map[string]models.User),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		entries:      make(map[uuid.UUID]models.CommissionEntry, len(s.entries)),
		entryByEvent: make(map[string]uuid.UUID, len(s.entryByEvent)),
		affiliates:   make(map[uuid.UUID]models.AffiliateAccount, len(s.affiliates)),
		codes:        make(map[string]models.UnlockCode, len(s.codes)),
		users:        make(map[string]models.User, len(s.users)),
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.entryByEvent {
		c.entryByEvent[k] = v
	}
	for k, v := range s.affiliates {
		c.affiliates[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	return c
}

// WithinTx runs fn with exclusive access to the store
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &memTx{state: s.state, now: s.now}
	defer func() {
		tx.done = true
		if p := recover(); p != nil {
			s.state = snapshot
			panic(p)
		}
		if err != nil {
			s.state = snapshot
		}
	}()

	return fn(tx)
}

var errTxDone = errors.New("transaction already finished")

type memTx struct {
	state *memState
	now   func() time.Time
	done  bool
}

func (t *memTx) Ledger() LedgerStore       { return memLedger{t} }
func (t *memTx) Affiliates() AffiliateStore { return memAffiliates{t} }
func (t *memTx) Codes() CodeStore           { return memCodes{t} }
func (t *memTx) Users() UserStore           { return memUsers{t} }

func (t *memTx) check(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	return ctx.Err()
}

type memLedger struct {
	tx *memTx
}

func (l memLedger) InsertIfAbsent(ctx context.Context, entry *models.CommissionEntry) error {
	if err := l.tx.check(ctx); err != nil {
		return err
	}
	st := l.tx.state
	if _, exists := st.entryByEvent[entry.EventID]; exists {
		return ErrDuplicateEvent
	}
	entry.Touch(l.tx.now())
	if _, exists := st.entries[entry.ID]; exists {
		return fmt.Errorf("%w: commission entry id %s", ErrConflict, entry.ID)
	}
	st.entries[entry.ID] = *entry
	st.entryByEvent[entry.EventID] = entry.ID
	return nil
}

func (l memLedger) GetByEventID(ctx context.Context, eventID string) (*models.CommissionEntry, error) {
	if err := l.tx.check(ctx); err != nil {
		return nil, err
	}
	id, ok := l.tx.state.entryByEvent[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	entry := l.tx.state.entries[id]
	return &entry, nil
}

func (l memLedger) FindByPaymentReference(ctx context.Context, paymentReferenceID string) ([]models.CommissionEntry, error) {
	if err := l.tx.check(ctx); err != nil {
		return nil, err
	}
	var out []models.CommissionEntry
	for _, entry := range l.tx.state.entries {
		if entry.PaymentReferenceID == paymentReferenceID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (l memLedger) Transition(ctx context.Context, entry *models.CommissionEntry, from models.CommissionStatus) (bool, error) {
	if err := l.tx.check(ctx); err != nil {
		return false, err
	}
	stored, ok := l.tx.state.entries[entry.ID]
	if !ok || stored.Status != from {
		return false, nil
	}
	stored.Status = entry.Status
	stored.ClearedAt = entry.ClearedAt
	stored.ReversedAt = entry.ReversedAt
	stored.ReversalReason = entry.ReversalReason
	stored.UpdatedAt = entry.UpdatedAt
	l.tx.state.entries[entry.ID] = stored
	return true, nil
}

func (l memLedger) ListDueForClearing(ctx context.Context, now time.Time, limit int) ([]models.CommissionEntry, error) {
	if err := l.tx.check(ctx); err != nil {
		return nil, err
	}
	var out []models.CommissionEntry
	for _, entry := range l.tx.state.entries {
		if entry.Status == models.CommissionStatusPending && !entry.EligibleAt.After(now) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EligibleAt.Equal(out[j].EligibleAt) {
			return out[i].EligibleAt.Before(out[j].EligibleAt)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAffiliates struct {
	tx *memTx
}

func (a memAffiliates) Create(ctx context.Context, account *models.AffiliateAccount) error {
	if err := a.tx.check(ctx); err != nil {
		return err
	}
	account.ReferralCode = NormalizeReferralCode(account.ReferralCode)
	account.Email = NormalizeEmail(account.Email)
	if account.Status == "" {
		account.Status = models.AffiliateStatusActive
	}
	for _, existing := range a.tx.state.affiliates {
		if existing.ReferralCode == account.ReferralCode {
			return fmt.Errorf("%w: referral code %s", ErrConflict, account.ReferralCode)
		}
		if existing.Email == account.Email {
			return fmt.Errorf("%w: affiliate email", ErrConflict)
		}
	}
	account.Touch(a.tx.now())
	a.tx.state.affiliates[account.ID] = *account
	return nil
}

func (a memAffiliates) GetByID(ctx context.Context, id uuid.UUID) (*models.AffiliateAccount, error) {
	if err := a.tx.check(ctx); err != nil {
		return nil, err
	}
	account, ok := a.tx.state.affiliates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &account, nil
}

func (a memAffiliates) GetByCode(ctx context.Context, referralCode string) (*models.AffiliateAccount, error) {
	code := NormalizeReferralCode(referralCode)
	return a.find(ctx, func(acc models.AffiliateAccount) bool { return acc.ReferralCode == code })
}

func (a memAffiliates) GetByEmail(ctx context.Context, email string) (*models.AffiliateAccount, error) {
	email = NormalizeEmail(email)
	return a.find(ctx, func(acc models.AffiliateAccount) bool { return acc.Email == email })
}

func (a memAffiliates) find(ctx context.Context, match func(models.AffiliateAccount) bool) (*models.AffiliateAccount, error) {
	if err := a.tx.check(ctx); err != nil {
		return nil, err
	}
	for _, account := range a.tx.state.affiliates {
		if match(account) {
			found := account
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (a memAffiliates) update(ctx context.Context, id uuid.UUID, mutate func(*models.AffiliateAccount) bool) (*models.AffiliateAccount, bool, error) {
	if err := a.tx.check(ctx); err != nil {
		return nil, false, err
	}
	account, ok := a.tx.state.affiliates[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !mutate(&account) {
		return &account, false, nil
	}
	account.UpdatedAt = a.tx.now()
	a.tx.state.affiliates[id] = account
	return &account, true, nil
}

func (a memAffiliates) IncrementConversions(ctx context.Context, id uuid.UUID) error {
	_, _, err := a.update(ctx, id, func(acc *models.AffiliateAccount) bool {
		acc.TotalConversions++
		return true
	})
	return err
}

func (a memAffiliates) RecordRefund(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	account, _, err := a.update(ctx, id, func(acc *models.AffiliateAccount) bool {
		acc.RefundCount++
		acc.LastRefundAt = &at
		return true
	})
	if err != nil {
		return 0, err
	}
	return account.RefundCount, nil
}

func (a memAffiliates) Pause(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	_, changed, err := a.update(ctx, id, func(acc *models.AffiliateAccount) bool {
		if acc.Status != models.AffiliateStatusActive {
			return false
		}
		acc.Status = models.AffiliateStatusPaused
		acc.PausedAt = &at
		acc.PauseReason = reason
		return true
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return changed, err
}

type memCodes struct {
	tx *memTx
}

func (c memCodes) CodeExists(ctx context.Context, code string) (bool, error) {
	if err := c.tx.check(ctx); err != nil {
		return false, err
	}
	_, ok := c.tx.state.codes[code]
	return ok, nil
}

func (c memCodes) GetBySession(ctx context.Context, checkoutSessionID string) (*models.UnlockCode, error) {
	if err := c.tx.check(ctx); err != nil {
		return nil, err
	}
	for _, row := range c.tx.state.codes {
		if row.CheckoutSessionID != nil && *row.CheckoutSessionID == checkoutSessionID {
			found := row
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (c memCodes) Upsert(ctx context.Context, code *models.UnlockCode) error {
	if err := c.tx.check(ctx); err != nil {
		return err
	}
	code.UserEmail = NormalizeEmail(code.UserEmail)
	for _, row := range c.tx.state.codes {
		if row.Code == code.Code {
			continue
		}
		if row.CodeHash == code.CodeHash {
			return fmt.Errorf("%w: code hash", ErrConflict)
		}
		if code.CheckoutSessionID != nil && row.CheckoutSessionID != nil && *row.CheckoutSessionID == *code.CheckoutSessionID {
			return fmt.Errorf("%w: checkout session already has a code", ErrConflict)
		}
	}

	now := c.tx.now()
	if existing, ok := c.tx.state.codes[code.Code]; ok {
		code.ID = existing.ID
		code.CreatedAt = existing.CreatedAt
		code.CodeHash = existing.CodeHash
		if code.UpdatedAt.IsZero() {
			code.UpdatedAt = now
		}
	} else {
		code.Touch(now)
	}
	c.tx.state.codes[code.Code] = *code
	return nil
}

type memUsers struct {
	tx *memTx
}

func (u memUsers) UpsertByEmail(ctx context.Context, user *models.User) error {
	if err := u.tx.check(ctx); err != nil {
		return err
	}
	user.Email = NormalizeEmail(user.Email)
	now := u.tx.now()
	if existing, ok := u.tx.state.users[user.Email]; ok {
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
		if user.UpdatedAt.IsZero() {
			user.UpdatedAt = now
		}
	} else {
		user.Touch(now)
	}
	u.tx.state.users[user.Email] = *user
	return nil
}

func (u memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := u.tx.check(ctx); err != nil {
		return nil, err
	}
	user, ok := u.tx.state.users[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}
