// ABOUTME: Verification code service for email sign-in
// ABOUTME: Issues single-use numeric codes with a fixed TTL and overwrite-on-reissue

package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/2389/warden-gateway/internal/store"
)

const (
	// CodeLength is the number of digits in a verification code
	CodeLength = 6

	// CodeTTL is how long an issued code stays valid
	CodeTTL = 10 * time.Minute
)

// CodeStore is the subset of the store the service needs.
type CodeStore interface {
	UpsertVerificationCode(ctx context.Context, code *store.VerificationCode) error
	GetVerificationCode(ctx context.Context, email string) (*store.VerificationCode, error)
	DeleteVerificationCode(ctx context.Context, email string) error
}

// Service issues and consumes one-time verification codes.
type Service struct {
	store  CodeStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a verification code service backed by the given store.
func NewService(codeStore CodeStore) *Service {
	return &Service{
		store:  codeStore,
		logger: slog.Default().With("component", "verification"),
		now:    time.Now,
	}
}

// Issue generates a fresh code for the email, stores it (overwriting any
// prior code for that email), and returns it for delivery by the mailer.
func (s *Service) Issue(ctx context.Context, email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}

	record := &store.VerificationCode{
		Email:     email,
		Code:      code,
		ExpiresAt: s.now().Add(CodeTTL),
	}
	if err := s.store.UpsertVerificationCode(ctx, record); err != nil {
		return "", fmt.Errorf("storing code: %w", err)
	}

	s.logger.Info("issued verification code", "email", email, "expires_at", record.ExpiresAt)
	return code, nil
}

// Verify consumes the code for the email. Returns false when no code is on
// file, the code mismatches, or the code has expired. Expired codes are
// deleted on the failing read; a successful match deletes the code so it can
// never be used twice.
func (s *Service) Verify(ctx context.Context, email, code string) (bool, error) {
	record, err := s.store.GetVerificationCode(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading code: %w", err)
	}

	if s.now().After(record.ExpiresAt) {
		if err := s.store.DeleteVerificationCode(ctx, email); err != nil {
			s.logger.Warn("failed to clean up expired code", "email", email, "error", err)
		}
		return false, nil
	}

	if record.Code != code {
		return false, nil
	}

	if err := s.store.DeleteVerificationCode(ctx, email); err != nil {
		return false, fmt.Errorf("consuming code: %w", err)
	}

	s.logger.Info("verification code accepted", "email", email)
	return true, nil
}

// generateCode produces a fixed-length random numeric string.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < CodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", CodeLength, n), nil
}
