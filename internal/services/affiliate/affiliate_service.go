package affiliate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/codes"
	"github.com/operatorkit/backend/internal/models"
	"github.com/operatorkit/backend/internal/repository"
)

var (
	// ErrAffiliateNotFound is returned when a referral code matches no affiliate
	ErrAffiliateNotFound = errors.New("affiliate not found")
	// ErrAffiliateExists is returned when an affiliate already uses the email
	ErrAffiliateExists = errors.New("affiliate already registered")
	// ErrReferralCodeExhausted is returned when no free referral code was found
	ErrReferralCodeExhausted = errors.New("could not allocate a referral code")
)

const (
	namePartLength   = 4
	randomPartLength = 5
	maxCodeAttempts  = 10
	fallbackNamePart = "AFF"
)

// Service registers and resolves affiliates
type Service struct {
	store  repository.Store
	logger *zap.Logger
	random io.Reader
}

// NewService creates a new affiliate service
func NewService(store repository.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		random: rand.Reader,
	}
}

// Register creates an active affiliate with a referral code such as JOHN2K9P7
func (s *Service) Register(ctx context.Context, name, email string) (*models.AffiliateAccount, error) {
	email = repository.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid affiliate email %q", email)
	}

	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		_, err := tx.Affiliates().GetByEmail(ctx, email)
		switch {
		case err == nil:
			return ErrAffiliateExists
		case errors.Is(err, repository.ErrNotFound):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.referralCode(name)
		if err != nil {
			return nil, err
		}
		account := &models.AffiliateAccount{
			ReferralCode: code,
			Name:         strings.TrimSpace(name),
			Email:        email,
			Status:       models.AffiliateStatusActive,
		}
		err = s.store.WithinTx(ctx, func(tx repository.Tx) error {
			return tx.Affiliates().Create(ctx, account)
		})
		if err == nil {
			s.logger.Info("affiliate registered",
				zap.String("affiliate_id", account.ID.String()),
				zap.String("referral_code", account.ReferralCode))
			return account, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		s.logger.Debug("referral code collision, retrying", zap.Int("attempt", attempt+1))
	}
	return nil, ErrReferralCodeExhausted
}

// Resolve finds the affiliate owning a referral code inside tx
func (s *Service) Resolve(ctx context.Context, tx repository.Tx, referralCode string) (*models.AffiliateAccount, error) {
	code := repository.NormalizeReferralCode(referralCode)
	if code == "" {
		return nil, ErrAffiliateNotFound
	}
	account, err := tx.Affiliates().GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAffiliateNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// referralCode builds up to four name characters followed by five random symbols
func (s *Service) referralCode(name string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(slug.Make(name)) {
		if b.Len() == namePartLength {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		b.WriteString(fallbackNamePart)
	}

	buf := make([]byte, randomPartLength)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for _, v := range buf {
		b.WriteByte(codes.Alphabet[int(v)&31])
	}
	return b.String(), nil
}
