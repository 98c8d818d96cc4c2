package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/operatorkit/backend/internal/models"
)

// GormStore is the relational back end. Unique constraints on the tables are
// what make duplicate deliveries harmless, so it must run against a schema
// created by the migrations package.
type GormStore struct {
	db        *gorm.DB
	isolation sql.IsolationLevel
}

// GormOption configures a GormStore
type GormOption func(*GormStore)

// WithIsolation sets the isolation level of every transaction
func WithIsolation(level sql.IsolationLevel) GormOption {
	return func(s *GormStore) {
		s.isolation = level
	}
}

// NewGormStore creates a store on top of an open gorm handle
func NewGormStore(db *gorm.DB, opts ...GormOption) *GormStore {
	s := &GormStore{db: db, isolation: sql.LevelDefault}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithinTx runs fn in a database transaction
func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	}, &sql.TxOptions{Isolation: s.isolation})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Ledger() LedgerStore       { return gormLedger{t.db} }
func (t *gormTx) Affiliates() AffiliateStore { return gormAffiliates{t.db} }
func (t *gormTx) Codes() CodeStore           { return gormCodes{t.db} }
func (t *gormTx) Users() UserStore           { return gormUsers{t.db} }

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

type gormLedger struct {
	db *gorm.DB
}

func (l gormLedger) InsertIfAbsent(ctx context.Context, entry *models.CommissionEntry) error {
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return fmt.Errorf("failed to insert commission entry: %w", translate(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (l gormLedger) GetByEventID(ctx context.Context, eventID string) (*models.CommissionEntry, error) {
	var entry models.CommissionEntry
	if err := l.db.WithContext(ctx).Where("event_id = ?", eventID).First(&entry).Error; err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

func (l gormLedger) FindByPaymentReference(ctx context.Context, paymentReferenceID string) ([]models.CommissionEntry, error) {
	var entries []models.CommissionEntry
	err := l.db.WithContext(ctx).
		Where("payment_reference_id = ?", paymentReferenceID).
		Order("created_at ASC").Order("event_id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find commission entries: %w", err)
	}
	return entries, nil
}

func (l gormLedger) Transition(ctx context.Context, entry *models.CommissionEntry, from models.CommissionStatus) (bool, error) {
	result := l.db.WithContext(ctx).
		Model(&models.CommissionEntry{}).
		Where("id = ? AND status = ?", entry.ID, from).
		Updates(map[string]interface{}{
			"status":          entry.Status,
			"cleared_at":      entry.ClearedAt,
			"reversed_at":     entry.ReversedAt,
			"reversal_reason": entry.ReversalReason,
			"updated_at":      entry.UpdatedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition commission entry: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (l gormLedger) ListDueForClearing(ctx context.Context, now time.Time, limit int) ([]models.CommissionEntry, error) {
	var entries []models.CommissionEntry
	err := l.db.WithContext(ctx).
		Where("status = ? AND eligible_at <= ?", models.CommissionStatusPending, now).
		Order("eligible_at ASC").Order("event_id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due commission entries: %w", err)
	}
	return entries, nil
}

type gormAffiliates struct {
	db *gorm.DB
}

func (a gormAffiliates) Create(ctx context.Context, account *models.AffiliateAccount) error {
	account.ReferralCode = NormalizeReferralCode(account.ReferralCode)
	account.Email = NormalizeEmail(account.Email)
	if account.Status == "" {
		account.Status = models.AffiliateStatusActive
	}
	if err := a.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create affiliate: %w", translate(err))
	}
	return nil
}

func (a gormAffiliates) GetByID(ctx context.Context, id uuid.UUID) (*models.AffiliateAccount, error) {
	return a.first(ctx, "id = ?", id)
}

func (a gormAffiliates) GetByCode(ctx context.Context, referralCode string) (*models.AffiliateAccount, error) {
	return a.first(ctx, "referral_code = ?", NormalizeReferralCode(referralCode))
}

func (a gormAffiliates) GetByEmail(ctx context.Context, email string) (*models.AffiliateAccount, error) {
	return a.first(ctx, "email = ?", NormalizeEmail(email))
}

func (a gormAffiliates) first(ctx context.Context, query string, arg interface{}) (*models.AffiliateAccount, error) {
	var account models.AffiliateAccount
	if err := a.db.WithContext(ctx).Where(query, arg).First(&account).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (a gormAffiliates) IncrementConversions(ctx context.Context, id uuid.UUID) error {
	result := a.db.WithContext(ctx).
		Model(&models.AffiliateAccount{}).
		Where("id = ?", id).
		Update("total_conversions", gorm.Expr("total_conversions + ?", 1))
	if result.Error != nil {
		return fmt.Errorf("failed to increment conversions: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (a gormAffiliates) RecordRefund(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	result := a.db.WithContext(ctx).
		Model(&models.AffiliateAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"refund_count":   gorm.Expr("refund_count + ?", 1),
			"last_refund_at": at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to record refund: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotFound
	}

	var account models.AffiliateAccount
	if err := a.db.WithContext(ctx).Select("refund_count").Where("id = ?", id).First(&account).Error; err != nil {
		return 0, translate(err)
	}
	return account.RefundCount, nil
}

func (a gormAffiliates) Pause(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&models.AffiliateAccount{}).
		Where("id = ? AND status = ?", id, models.AffiliateStatusActive).
		Updates(map[string]interface{}{
			"status":       models.AffiliateStatusPaused,
			"paused_at":    at,
			"pause_reason": reason,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to pause affiliate: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

type gormCodes struct {
	db *gorm.DB
}

func (c gormCodes) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&models.UnlockCode{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return count > 0, nil
}

func (c gormCodes) GetBySession(ctx context.Context, checkoutSessionID string) (*models.UnlockCode, error) {
	var row models.UnlockCode
	if err := c.db.WithContext(ctx).Where("checkout_session_id = ?", checkoutSessionID).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

func (c gormCodes) Upsert(ctx context.Context, code *models.UnlockCode) error {
	code.UserEmail = NormalizeEmail(code.UserEmail)
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "user_email", "affiliate_code", "checkout_session_id",
				"product_key", "activated_at", "expires_at", "updated_at",
			}),
		}).
		Create(code).Error
	if err != nil {
		return fmt.Errorf("failed to upsert unlock code: %w", translate(err))
	}
	// the conflicting row keeps its own id, so reload it
	var stored models.UnlockCode
	if err := c.db.WithContext(ctx).Where("code = ?", code.Code).First(&stored).Error; err != nil {
		return translate(err)
	}
	*code = stored
	return nil
}

type gormUsers struct {
	db *gorm.DB
}

func (u gormUsers) UpsertByEmail(ctx context.Context, user *models.User) error {
	user.Email = NormalizeEmail(user.Email)
	err := u.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"unlock_code", "product_key", "affiliate_id",
				"access_granted_at", "access_expires_at", "updated_at",
			}),
		}).
		Create(user).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", translate(err))
	}
	var stored models.User
	if err := u.db.WithContext(ctx).Where("email = ?", user.Email).First(&stored).Error; err != nil {
		return translate(err)
	}
	*user = stored
	return nil
}

func (u gormUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := u.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}
