// Package auth verifies bearer tokens and yields the calling actor. Roles
// come from an explicit claim; nothing is inferred from names or emails.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/boat-dispatch/internal/models"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the payload of an hmac-mode token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates tokens. Modes:
//   - dev: token is "role:uid", no signature
//   - hmac: HS256 JWT with "sub" and "role"; "exp", "nbf" and "iat" are
//     enforced when present
type Verifier struct {
	Mode       string
	HMACSecret []byte
	now        func() time.Time
}

func NewVerifier(mode, secret string) *Verifier {
	return &Verifier{Mode: strings.ToLower(mode), HMACSecret: []byte(secret), now: time.Now}
}

func (v *Verifier) Verify(token string) (models.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Actor{}, ErrMissingToken
	}
	switch v.Mode {
	case "dev":
		return v.verifyDev(token)
	case "hmac":
		return v.verifyHMAC(token)
	}
	return models.Actor{}, errors.New("unsupported auth mode")
}

func (v *Verifier) verifyDev(token string) (models.Actor, error) {
	role, uid, ok := strings.Cut(token, ":")
	if !ok || uid == "" {
		return models.Actor{}, errors.New("invalid dev token; expected role:uid")
	}
	r, ok := parseRole(role)
	if !ok {
		return models.Actor{}, ErrInvalidToken
	}
	return models.Actor{ID: uid, Role: r}, nil
}

func (v *Verifier) verifyHMAC(token string) (models.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.HMACSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return models.Actor{}, ErrExpiredToken
	}
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	r, ok := parseRole(claims.Role)
	if !ok {
		return models.Actor{}, fmt.Errorf("%w: missing or unknown role claim", ErrInvalidToken)
	}
	return models.Actor{ID: claims.Subject, Role: r}, nil
}

// Sign issues an HS256 token; used by tooling and tests. A zero ttl issues
// a token without expiry.
func Sign(secret []byte, a models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(a.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  a.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseRole(s string) (models.Role, bool) {
	switch r := models.Role(strings.ToLower(strings.TrimSpace(s))); r {
	case models.RoleRider, models.RoleCaptain, models.RoleOperations:
		return r, true
	}
	return "", false
}
