package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/boat-dispatch/internal/models"
)

func sign(t *testing.T, secret []byte, a models.Actor, ttl time.Duration) string {
	t.Helper()
	tok, err := Sign(secret, a, ttl)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func signClaims(t *testing.T, method jwt.SigningMethod, secret []byte, c Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, c).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestDevTokens(t *testing.T) {
	v := NewVerifier("dev", "")
	a, err := v.Verify("captain:cap-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.ID != "cap-1" || a.Role != models.RoleCaptain {
		t.Fatalf("unexpected actor %+v", a)
	}
	if _, err := v.Verify("system:root"); err == nil {
		t.Fatal("system role must not be grantable by token")
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestHMACRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier("hmac", string(secret))
	a, err := v.Verify(sign(t, secret, models.Actor{ID: "ops-7", Role: models.RoleOperations}, time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.ID != "ops-7" || a.Role != models.RoleOperations {
		t.Fatalf("unexpected actor %+v", a)
	}
}

func TestHMACRejectsTamperingAndExpiry(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier("hmac", string(secret))

	tok := sign(t, []byte("other"), models.Actor{ID: "r1", Role: models.RoleRider}, 0)
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	tok = sign(t, secret, models.Actor{ID: "r1", Role: models.RoleRider}, time.Minute)
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := v.Verify(tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiry, got %v", err)
	}

	if _, err := v.Verify(strings.Repeat("x", 10)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected malformed token error, got %v", err)
	}
}

func TestHMACTimeClaims(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier("hmac", string(secret))
	now := time.Now()
	cases := map[string]jwt.RegisteredClaims{
		"not yet valid": {Subject: "r1", NotBefore: jwt.NewNumericDate(now.Add(time.Hour))},
		"issued later":  {Subject: "r1", IssuedAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}
	for name, rc := range cases {
		t.Run(name, func(t *testing.T) {
			tok := signClaims(t, jwt.SigningMethodHS256, secret, Claims{Role: "rider", RegisteredClaims: rc})
			if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected invalid token, got %v", err)
			}
		})
	}

	ok := signClaims(t, jwt.SigningMethodHS256, secret, Claims{Role: "rider", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "r1",
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}})
	if _, err := v.Verify(ok); err != nil {
		t.Fatalf("past iat and nbf: %v", err)
	}
}

func TestHMACOnlyAcceptsHS256(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier("hmac", string(secret))
	claims := Claims{Role: "operations", RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1"}}

	tok := signClaims(t, jwt.SigningMethodHS384, secret, claims)
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("HS384: expected invalid token, got %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(none); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none: expected invalid token, got %v", err)
	}
}

func TestHMACRequiresSubjectAndRole(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier("hmac", string(secret))
	for name, c := range map[string]Claims{
		"no subject": {Role: "rider"},
		"no role":    {RegisteredClaims: jwt.RegisteredClaims{Subject: "r1"}},
		"bad role":   {Role: "system", RegisteredClaims: jwt.RegisteredClaims{Subject: "r1"}},
	} {
		if _, err := v.Verify(signClaims(t, jwt.SigningMethodHS256, secret, c)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected invalid token, got %v", name, err)
		}
	}
}
