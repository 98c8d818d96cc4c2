// Package settlement turns verified payment events into unlock codes, access
// records and commission ledger changes. Every event is applied inside one
// transaction; receipt email is sent only after commit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/codes"
	"github.com/operatorkit/backend/internal/ledger"
	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/models"
	"github.com/operatorkit/backend/internal/policy"
	"github.com/operatorkit/backend/internal/repository"
	"github.com/operatorkit/backend/internal/services/affiliate"
	"github.com/operatorkit/backend/internal/services/email"
)

var (
	// ErrSelfReferralBlocked marks a checkout whose customer is the referring affiliate
	ErrSelfReferralBlocked = errors.New("self-referral blocked")
	// ErrInvalidCheckout is returned when a checkout lacks the fields needed to issue access
	ErrInvalidCheckout = errors.New("invalid checkout")
)

const maxCheckoutAttempts = 2

// CommissionOutcome describes what a checkout did to the ledger
type CommissionOutcome string

const (
	CommissionCreated           CommissionOutcome = "created"
	CommissionDuplicate         CommissionOutcome = "duplicate"
	CommissionNoAffiliate       CommissionOutcome = "no_affiliate"
	CommissionAffiliateNotFound CommissionOutcome = "affiliate_not_found"
	CommissionAffiliatePaused   CommissionOutcome = "affiliate_paused"
	CommissionSelfReferral      CommissionOutcome = "self_referral"
	CommissionUnpricedProduct   CommissionOutcome = "unpriced_product"
)

// ReceiptSender delivers the unlock receipt
type ReceiptSender interface {
	SendReceiptEmail(ctx context.Context, to string, payload email.ReceiptPayload) error
}

// AffiliateResolver maps a referral code to an affiliate inside a transaction
type AffiliateResolver interface {
	Resolve(ctx context.Context, tx repository.Tx, referralCode string) (*models.AffiliateAccount, error)
}

// CheckoutInput is a completed checkout
type CheckoutInput struct {
	EventID            string
	CheckoutSessionID  string
	PaymentReferenceID string
	CustomerEmail      string
	ProductKey         string
	GrossAmountCents   int64
	AffiliateCode      string
}

// CheckoutResult reports what a checkout produced
type CheckoutResult struct {
	Code       string
	Replayed   bool
	User       *models.User
	Commission CommissionOutcome
	Entry      *models.CommissionEntry
	EmailSent  bool
}

// ReversalInput is a refund or dispute against a payment
type ReversalInput struct {
	EventID            string
	PaymentReferenceID string
	Reason             models.ReversalReason
}

// ReversalResult reports what a reversal changed
type ReversalResult struct {
	Matched          int
	Reversed         int
	PausedAffiliates []uuid.UUID
}

// Service applies payment events to the store
type Service struct {
	store      repository.Store
	issuer     *codes.Issuer
	hasher     *codes.Hasher
	policy     *policy.Policy
	affiliates AffiliateResolver
	notifier   ReceiptSender
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a settlement service
func NewService(
	store repository.Store,
	issuer *codes.Issuer,
	hasher *codes.Hasher,
	p *policy.Policy,
	affiliates AffiliateResolver,
	notifier ReceiptSender,
	logger *zap.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Service {
	s := &Service{
		store:      store,
		issuer:     issuer,
		hasher:     hasher,
		policy:     p,
		affiliates: affiliates,
		notifier:   notifier,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CompleteCheckout issues (or, on redelivery, reuses) the unlock code for a
// checkout session, records the access grant and applies the commission rules.
func (s *Service) CompleteCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	in.CustomerEmail = repository.NormalizeEmail(in.CustomerEmail)
	in.AffiliateCode = repository.NormalizeReferralCode(in.AffiliateCode)
	if in.EventID == "" || in.CheckoutSessionID == "" || in.CustomerEmail == "" {
		return nil, fmt.Errorf("%w: event id, checkout session and customer email are required", ErrInvalidCheckout)
	}
	if in.GrossAmountCents < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidCheckout)
	}

	log := s.logger.With(
		zap.String("event_id", in.EventID),
		zap.String("checkout_session_id", in.CheckoutSessionID),
	)
	now := s.clock()

	var result *CheckoutResult
	apply := func(tx repository.Tx) error {
		result = &CheckoutResult{}

		code, err := s.bindCode(ctx, tx, in, now, result)
		if err != nil {
			return err
		}

		user, err := s.grantAccess(ctx, tx, in, code, result.Replayed)
		if err != nil {
			return err
		}
		result.User = user

		outcome, entry, err := s.recordCommission(ctx, tx, in, now, log)
		if err != nil {
			return err
		}
		result.Commission = outcome
		result.Entry = entry
		return nil
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = s.store.WithinTx(ctx, apply)
		// a concurrent delivery bound the session first; the retry takes the replay path
		if errors.Is(err, repository.ErrConflict) && attempt < maxCheckoutAttempts {
			log.Info("checkout raced a concurrent delivery, retrying", zap.Error(err))
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	s.metrics.Commissions.WithLabelValues(string(result.Commission)).Inc()
	s.metrics.CodesIssued.WithLabelValues(codeScheme(result)).Inc()
	log.Info("checkout completed",
		zap.String("commission", string(result.Commission)),
		zap.Bool("replayed", result.Replayed))

	if !result.Replayed {
		result.EmailSent = s.sendReceipt(ctx, in, result, log)
	}
	return result, nil
}

// bindCode returns the code already bound to the session or mints and stores a new one
func (s *Service) bindCode(ctx context.Context, tx repository.Tx, in CheckoutInput, now time.Time, result *CheckoutResult) (*models.UnlockCode, error) {
	existing, err := tx.Codes().GetBySession(ctx, in.CheckoutSessionID)
	if err == nil {
		result.Replayed = true
		result.Code = existing.Code
		if existing.ActivatedAt == nil {
			existing.ActivatedAt = &now
		}
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	value, err := s.issuer.MintUnique(ctx, tx.Codes())
	if err != nil {
		return nil, err
	}
	session := in.CheckoutSessionID
	code := &models.UnlockCode{
		Code:              value,
		CodeHash:          s.hasher.Hash(value),
		Status:            models.CodeStatusUsed,
		UserEmail:         in.CustomerEmail,
		AffiliateCode:     in.AffiliateCode,
		CheckoutSessionID: &session,
		ProductKey:        in.ProductKey,
		ActivatedAt:       &now,
		ExpiresAt:         s.policy.AccessExpiry(in.ProductKey, now),
	}
	if err := tx.Codes().Upsert(ctx, code); err != nil {
		return nil, err
	}
	result.Code = code.Code
	return code, nil
}

// grantAccess points the customer's access record at code. A replayed session
// leaves an existing record alone, since a later purchase may own it by now.
func (s *Service) grantAccess(ctx context.Context, tx repository.Tx, in CheckoutInput, code *models.UnlockCode, replayed bool) (*models.User, error) {
	if replayed {
		existing, err := tx.Users().GetByEmail(ctx, in.CustomerEmail)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	user := &models.User{
		Email:           in.CustomerEmail,
		UnlockCode:      code.Code,
		ProductKey:      in.ProductKey,
		AccessGrantedAt: *code.ActivatedAt,
		AccessExpiresAt: code.ExpiresAt,
	}
	linked, err := tx.Affiliates().GetByEmail(ctx, in.CustomerEmail)
	switch {
	case err == nil:
		user.AffiliateID = &linked.ID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	if err := tx.Users().UpsertByEmail(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) recordCommission(ctx context.Context, tx repository.Tx, in CheckoutInput, now time.Time, log *zap.Logger) (CommissionOutcome, *models.CommissionEntry, error) {
	if in.AffiliateCode == "" {
		return CommissionNoAffiliate, nil, nil
	}

	account, err := s.affiliates.Resolve(ctx, tx, in.AffiliateCode)
	if errors.Is(err, affiliate.ErrAffiliateNotFound) {
		log.Warn("referral code did not resolve", zap.String("affiliate_code", in.AffiliateCode), zap.Error(err))
		return CommissionAffiliateNotFound, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	if !account.IsActive() {
		log.Info("affiliate paused, no commission", zap.String("affiliate_id", account.ID.String()))
		return CommissionAffiliatePaused, nil, nil
	}
	if account.Email == in.CustomerEmail {
		log.Warn("commission skipped",
			zap.String("affiliate_id", account.ID.String()),
			zap.Error(ErrSelfReferralBlocked))
		return CommissionSelfReferral, nil, nil
	}

	cents, priced := s.policy.CommissionFor(in.ProductKey)
	if !priced {
		log.Warn("product has no commission rate", zap.String("product_key", in.ProductKey))
		return CommissionUnpricedProduct, nil, nil
	}

	entry := ledger.NewPending(in.EventID, in.GrossAmountCents, cents, now, s.policy.EligibleAt(now))
	entry.AffiliateID = account.ID
	entry.AffiliateCode = account.ReferralCode
	entry.CheckoutSessionID = in.CheckoutSessionID
	entry.PaymentReferenceID = in.PaymentReferenceID
	entry.CustomerEmail = in.CustomerEmail
	entry.ProductKey = in.ProductKey

	err = tx.Ledger().InsertIfAbsent(ctx, entry)
	if errors.Is(err, repository.ErrDuplicateEvent) {
		log.Info("commission already recorded for event")
		return CommissionDuplicate, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if err := tx.Affiliates().IncrementConversions(ctx, account.ID); err != nil {
		return "", nil, err
	}
	return CommissionCreated, entry, nil
}

func (s *Service) sendReceipt(ctx context.Context, in CheckoutInput, result *CheckoutResult, log *zap.Logger) bool {
	payload := email.ReceiptPayload{
		UnlockCode:  result.Code,
		ProductKey:  in.ProductKey,
		AmountCents: in.GrossAmountCents,
		ExpiresAt:   result.User.AccessExpiresAt,
	}
	if err := s.notifier.SendReceiptEmail(ctx, in.CustomerEmail, payload); err != nil {
		s.metrics.EmailFailures.Inc()
		log.Error("receipt email not delivered", zap.Error(err))
		return false
	}
	return true
}

func codeScheme(result *CheckoutResult) string {
	switch {
	case result.Replayed:
		return "replayed"
	case strings.Count(result.Code, "-") == codes.FallbackGroups+1:
		return "fallback"
	default:
		return "standard"
	}
}

// ReverseForPayment reverses every live entry for a refunded or disputed
// payment, updates the owning affiliates' refund counters and applies the
// pause rules. A payment with no entries yet is a no-op.
func (s *Service) ReverseForPayment(ctx context.Context, in ReversalInput) (*ReversalResult, error) {
	switch in.Reason {
	case models.ReversalReasonRefund, models.ReversalReasonDispute:
	default:
		return nil, fmt.Errorf("unknown reversal reason %q", in.Reason)
	}
	log := s.logger.With(
		zap.String("event_id", in.EventID),
		zap.String("payment_reference_id", in.PaymentReferenceID),
		zap.String("reason", string(in.Reason)),
	)
	if in.PaymentReferenceID == "" {
		log.Warn("reversal without payment reference ignored")
		return &ReversalResult{}, nil
	}
	now := s.clock()

	var result *ReversalResult
	var pauseReasons []string
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		result = &ReversalResult{}
		pauseReasons = pauseReasons[:0]

		entries, err := tx.Ledger().FindByPaymentReference(ctx, in.PaymentReferenceID)
		if err != nil {
			return err
		}
		result.Matched = len(entries)

		owners := make([]uuid.UUID, 0, len(entries))
		seen := make(map[uuid.UUID]bool)
		refundCounts := make(map[uuid.UUID]int)

		for i := range entries {
			entry := &entries[i]
			if !seen[entry.AffiliateID] {
				seen[entry.AffiliateID] = true
				owners = append(owners, entry.AffiliateID)
			}

			from := entry.Status
			changed, err := ledger.Reverse(entry, in.Reason, now)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			applied, err := tx.Ledger().Transition(ctx, entry, from)
			if err != nil {
				return err
			}
			if !applied {
				continue
			}
			result.Reversed++

			count, err := tx.Affiliates().RecordRefund(ctx, entry.AffiliateID, now)
			if err != nil {
				return err
			}
			refundCounts[entry.AffiliateID] = count
		}

		for _, id := range owners {
			reason := ""
			switch {
			case in.Reason == models.ReversalReasonDispute:
				reason = models.PauseReasonDispute
			case s.policy.ShouldPauseAfterRefund(refundCounts[id]):
				reason = models.PauseReasonRefundThreshold
			default:
				continue
			}
			paused, err := tx.Affiliates().Pause(ctx, id, reason, now)
			if err != nil {
				return err
			}
			if paused {
				result.PausedAffiliates = append(result.PausedAffiliates, id)
				pauseReasons = append(pauseReasons, reason)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Matched == 0 {
		// a reversal that beats its checkout commit is dropped here
		log.Warn("no commission entry matches payment, reversal ignored")
	}
	s.metrics.Reversals.WithLabelValues(string(in.Reason)).Add(float64(result.Reversed))
	for i, id := range result.PausedAffiliates {
		s.metrics.AffiliatePauses.WithLabelValues(pauseReasons[i]).Inc()
		log.Warn("affiliate paused", zap.String("affiliate_id", id.String()), zap.String("pause_reason", pauseReasons[i]))
	}
	log.Info("reversal applied", zap.Int("matched", result.Matched), zap.Int("reversed", result.Reversed))
	return result, nil
}
