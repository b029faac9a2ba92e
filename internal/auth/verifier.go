package auth

import (
	"errors"
	"fmt"
	"time"

	"guild-console/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated covers missing, malformed, forged and expired tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims is the signed session payload. Subject carries the user id and Version the
// account token version at issue time.
type Claims struct {
	Role    string `json:"role,omitempty"`
	Version int64  `json:"ver,omitempty"`
	jwt.RegisteredClaims
}

// Verifier signs and checks HS256 session tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
	parser *jwt.Parser
}

type Option func(*Verifier)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier refuses empty, short and placeholder secrets so the process cannot start
// with an insecure signing key.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if err := config.CheckSecret("JWT_SECRET", secret); err != nil {
		return nil, err
	}
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	return v, nil
}

// Verify checks structure, signature and expiry and returns the principal.
// A missing role claim yields RoleViewer.
func (v *Verifier) Verify(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, fmt.Errorf("%w: token required", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" || claims.ExpiresAt == nil {
		return Principal{}, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}

	p := Principal{
		UserID:       claims.Subject,
		Role:         NormalizeRole(claims.Role),
		ExpiresAt:    claims.ExpiresAt.Time,
		TokenVersion: claims.Version,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	return p, nil
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID string, role Role, ttl time.Duration) (string, time.Time, error) {
	return v.IssueVersion(userID, role, 0, ttl)
}

// IssueVersion signs a token bound to an account token version.
func (v *Verifier) IssueVersion(userID string, role Role, version int64, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id required")
	}
	now := v.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		Role:    string(NormalizeRole(string(role))),
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}
