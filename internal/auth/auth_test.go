package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator("test-secret-key", time.Hour)
	require.NoError(t, err)
	return a
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator("", time.Hour)
	assert.Error(t, err)
}

func TestGenerateAndValidateToken(t *testing.T) {
	a := newTestAuthenticator(t)

	token, err := a.GenerateToken("alice", []string{"Administrator"}, []string{"PUB", "PRIV"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"Administrator"}, claims.Roles)
	assert.Equal(t, []string{"PUB", "PRIV"}, claims.Auths)
	require.NotNil(t, claims.ExpiresAt)
}

func TestGenerateTokenRequiresSubject(t *testing.T) {
	a := newTestAuthenticator(t)
	_, err := a.GenerateToken("", nil, nil)
	assert.ErrorIs(t, err, dictionary.ErrInvalidInput)
}

func TestValidateTokenRejects(t *testing.T) {
	a := newTestAuthenticator(t)
	other, err := NewAuthenticator("another-secret", time.Hour)
	require.NoError(t, err)

	foreign, err := other.GenerateToken("alice", nil, nil)
	require.NoError(t, err)

	expired := newTestAuthenticator(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.GenerateToken("alice", nil, nil)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	})
	wrongAlg, err := hs512.SignedString([]byte("test-secret-key"))
	require.NoError(t, err)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{})
	anonymous, err := noSubject.SignedString([]byte("test-secret-key"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong secret", foreign},
		{"expired", stale},
		{"alg none", unsigned},
		{"unexpected algorithm", wrongAlg},
		{"missing subject", anonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := newTestAuthenticator(t)
	valid, err := a.GenerateToken("alice", []string{"Administrator", "Analyst"}, []string{"PUB"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"lower case scheme", "bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic " + valid, http.StatusUnauthorized},
		{"no token", "Bearer", http.StatusUnauthorized},
		{"invalid token", "Bearer invalid.token.here", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured *dictionary.Caller
			handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = CallerFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/dictionary/data/v1/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Nil(t, captured, "handler must not run")
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
				return
			}
			require.NotNil(t, captured)
			assert.Equal(t, "alice", captured.Identity())
			assert.Equal(t, []string{"Administrator", "Analyst"}, captured.Roles())
			assert.True(t, captured.Auths().Contains("PUB"))
		})
	}
}

func TestCallerFromContextDefaultsToAnonymous(t *testing.T) {
	caller := CallerFromContext(context.Background())
	require.NotNil(t, caller)
	assert.False(t, caller.Authenticated())

	ctx := WithCaller(context.Background(), dictionary.NewCaller("bob", nil, nil))
	assert.Equal(t, "bob", CallerFromContext(ctx).Identity())
}
