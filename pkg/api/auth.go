package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// OperatorClaims are the JWT claims carried by operator tokens. The role
// gates the endpoints that change human decisions: intervention resolution
// and answer key approval.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// RoleOperator is required on every protected endpoint.
const RoleOperator = "operator"

// TokenValidator verifies operator bearer tokens signed with the shared
// HMAC secret.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator returns nil for an empty secret; a nil validator
// rejects every protected request (fail closed).
func NewTokenValidator(secret string) *TokenValidator {
	if secret == "" {
		return nil
	}
	return &TokenValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (v *TokenValidator) Validate(tokenStr string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.E(domain.KindInvalidState, "unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidState, err, "token validation failed")
	}
	if !token.Valid {
		return nil, domain.E(domain.KindInvalidState, "invalid token")
	}
	return claims, nil
}

// Issue mints an operator token, used by tests and the bootstrap CLI.
func (v *TokenValidator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: RoleOperator,
	})
	return token.SignedString(v.secret)
}

// RequireOperator wraps a handler with bearer-token authentication.
// If the validator is nil all requests are rejected.
func RequireOperator(v *TokenValidator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		if v == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}

		claims, err := v.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if claims.Subject == "" {
			WriteUnauthorized(w, "Token subject is required")
			return
		}
		if claims.Role != RoleOperator {
			WriteForbidden(w, "Operator role required")
			return
		}
		next(w, r)
	}
}
