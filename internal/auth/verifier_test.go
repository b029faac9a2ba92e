package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "u8Qm2Zr7Kp4Wx9Lb3Nc6Vd1Hf5Tg0Js2Ay"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewVerifierRejectsWeakSecrets(t *testing.T) {
	for _, secret := range []string{"", "short", "changeme-changeme-changeme-changeme-00"} {
		if _, err := NewVerifier(secret); err == nil {
			t.Errorf("NewVerifier(%q) should fail", secret)
		}
	}
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, err := NewVerifier(testSecret, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatal(err)
	}

	token, exp, err := v.Issue("1001", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiresAt = %v", exp)
	}

	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "1001" || p.Role != RoleAdmin {
		t.Fatalf("unexpected principal %+v", p)
	}
	if !p.IssuedAt.Equal(now) {
		t.Errorf("IssuedAt = %v, want %v", p.IssuedAt, now)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := NewVerifier(testSecret, WithClock(fixedClock(now)))
	token, _, err := issuer.Issue("1001", RoleViewer, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	later, _ := NewVerifier(testSecret, WithClock(fixedClock(now.Add(2*time.Minute))))
	_, err = later.Verify(token)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	other, _ := NewVerifier("Zz9Yy8Xx7Ww6Vv5Uu4Tt3Ss2Rr1Qq0PpOo")
	token, _, _ := other.Issue("1001", RoleAdmin, time.Hour)

	if _, err := v.Verify(token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := v.Verify("not-a-token"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for garbage, got %v", err)
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}
}

func TestVerifyRejectsTokenWithoutExpiry(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	claims := &Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{Subject: "1001"}}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))

	if _, err := v.Verify(token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestMissingOrUnknownRoleDefaultsToViewer(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	for _, role := range []string{"", "root", "OWNER"} {
		claims := &Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		p, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify(%q): %v", role, err)
		}
		if p.Role != RoleViewer {
			t.Errorf("role %q normalized to %q, want viewer", role, p.Role)
		}
	}
}

func TestTokenPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.AddCookie(&http.Cookie{Name: "console_session", Value: "cookie-token"})

	if got := TokenFromRequest(r, "console_session"); got != "cookie-token" {
		t.Fatalf("cookie should win, got %q", got)
	}
	if got := TokenFromRequest(r, "other"); got != "header-token" {
		t.Fatalf("header fallback, got %q", got)
	}
}

func TestSocketTokenSources(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	if got := SocketToken(r, "console_session"); got != "query-token" {
		t.Fatalf("query token, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "console.v1, bearer.abc.def.ghi")
	if got := SocketToken(r, "console_session"); got != "abc.def.ghi" {
		t.Fatalf("subprotocol token, got %q", got)
	}
}
