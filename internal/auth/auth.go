// Package auth authenticates HTTP requests with HS256 bearer tokens and turns
// their claims into a dictionary.Caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/liamcoop/datadictionary/internal/logger"
)

var (
	ErrMissingToken = errors.New("authorization required")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the caller's roles and the authorizations it may read with.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	Auths []string `json:"auths,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates tokens signed with a shared secret.
type Authenticator struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator. A zero tokenTTL issues tokens
// that never expire.
func NewAuthenticator(secret string, tokenTTL time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	return &Authenticator{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		now:      time.Now,
	}, nil
}

// GenerateToken signs a token for subject.
func (a *Authenticator) GenerateToken(subject string, roles, auths []string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: subject cannot be empty", dictionary.ErrInvalidInput)
	}

	now := a.now()
	claims := Claims{
		Roles: roles,
		Auths: auths,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if a.tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.tokenTTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken verifies the signature and expiry of tokenString.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Authenticate resolves the caller behind an Authorization header value.
func (a *Authenticator) Authenticate(header string) (*dictionary.Caller, error) {
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, fmt.Errorf("%w: expected bearer token", ErrInvalidToken)
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return dictionary.NewCaller(claims.Subject, claims.Roles, claims.Auths), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="dictionary"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller *dictionary.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller stored by Middleware, or an
// unauthenticated caller when there is none.
func CallerFromContext(ctx context.Context) *dictionary.Caller {
	if caller, ok := ctx.Value(callerKey{}).(*dictionary.Caller); ok && caller != nil {
		return caller
	}
	return dictionary.NewCaller("", nil, nil)
}
