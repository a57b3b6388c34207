package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ApproverClaims are the JWT claims expected on cosign and review calls.
// Subject names the approver.
type ApproverClaims struct {
	jwt.RegisteredClaims
	ApproverGroup string `json:"approver_group"`
}

// Approver is the authenticated caller of a cosign or review endpoint.
type Approver struct {
	ID    string
	Group string
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator returns nil when secret is empty; the guard then rejects
// every request.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// Validate parses tokenStr and checks signature, expiry and issuer.
func (v *JWTValidator) Validate(tokenStr string) (*ApproverClaims, error) {
	if v == nil {
		return nil, errors.New("validator uninitialized")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &ApproverClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign issues a token for claims. Used by tooling and tests.
func (v *JWTValidator) Sign(claims ApproverClaims) (string, error) {
	if v == nil {
		return "", errors.New("validator uninitialized")
	}
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey string

const approverKey contextKey = "approver"

func withApprover(ctx context.Context, a Approver) context.Context {
	return context.WithValue(ctx, approverKey, a)
}

// ApproverFrom returns the approver attached by RequireApprover.
func ApproverFrom(ctx context.Context) (Approver, bool) {
	a, ok := ctx.Value(approverKey).(Approver)
	return a, ok
}

// RequireApprover fails closed: a nil validator rejects every request.
func RequireApprover(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}
			claims, err := validator.Validate(tokenStr)
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}
			if claims.ApproverGroup == "" {
				WriteUnauthorized(w, "Token approver_group is required")
				return
			}
			ctx := withApprover(r.Context(), Approver{ID: claims.Subject, Group: claims.ApproverGroup})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
