package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guild-console/internal/model"

	"gorm.io/gorm"
)

// ErrSessionUnavailable means the account store could not be read; no decision was made.
var ErrSessionUnavailable = errors.New("session store unavailable")

// Sessions ties verified tokens to the console account they name. A token stops working
// once its account is deleted or the account token version moves past it, and the
// principal carries the account's current role rather than the claimed one.
type Sessions struct {
	tokens *Verifier
	db     *gorm.DB
}

func NewSessions(tokens *Verifier, db *gorm.DB) *Sessions {
	return &Sessions{tokens: tokens, db: db}
}

func (s *Sessions) Verify(raw string) (Principal, error) {
	p, err := s.tokens.Verify(raw)
	if err != nil {
		return Principal{}, err
	}

	var user model.User
	err = s.db.Select("role", "token_version").Where("user_id = ?", p.UserID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Principal{}, fmt.Errorf("%w: account not found", ErrUnauthenticated)
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if user.TokenVersion != p.TokenVersion {
		return Principal{}, fmt.Errorf("%w: session revoked", ErrUnauthenticated)
	}
	p.Role = NormalizeRole(user.Role)
	return p, nil
}

// Issue signs a session for user at its current token version.
func (s *Sessions) Issue(user *model.User, ttl time.Duration) (string, time.Time, error) {
	return s.tokens.IssueVersion(user.UserID, NormalizeRole(user.Role), user.TokenVersion, ttl)
}

// Revoke bumps the token version of userID, ending every session issued so far.
func (s *Sessions) Revoke(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("user_id = ?", userID).
		UpdateColumn("token_version", gorm.Expr("token_version + 1")).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}
