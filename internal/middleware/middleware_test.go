package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"portal-messaging/internal/api"
	"portal-messaging/internal/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-bytes"

// echoUser writes the authenticated user id, or "anonymous".
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if id, ok := GetUserIDFromContext(r.Context()); ok {
		w.Write([]byte(id.String()))
		return
	}
	w.Write([]byte("anonymous"))
})

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator(testSecret, "portal-messaging", time.Hour)
	userID := uuid.New()

	token, expiresAt, err := auth.GenerateToken(userID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateTokenRejects(t *testing.T) {
	auth := NewAuthenticator(testSecret, "portal-messaging", time.Hour)
	userID := uuid.New()

	sign := func(claims *Claims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := func() *Claims {
		now := time.Now()
		return &Claims{
			UserID: userID,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now),
				Issuer:    "portal-messaging",
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := valid()
	wrongIssuer.Issuer = "someone-else"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	noUser := valid()
	noUser.UserID = uuid.Nil

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(valid(), "another-secret")},
		{"expired", sign(expired, testSecret)},
		{"wrong issuer", sign(wrongIssuer, testSecret)},
		{"no expiry", sign(noExpiry, testSecret)},
		{"no user", sign(noUser, testSecret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.ValidateToken(tt.token)
			assert.Error(t, err)
		})
	}

	other := NewAuthenticator(testSecret, "portal-messaging", time.Hour)
	ok, _, err := other.GenerateToken(userID)
	require.NoError(t, err)
	_, err = auth.ValidateToken(ok)
	assert.NoError(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthenticator(testSecret, "portal-messaging", time.Hour)
	handler := auth.Middleware(echoUser)
	userID := uuid.New()
	token, _, err := auth.GenerateToken(userID)
	require.NoError(t, err)

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, utils.ErrUnauthorized, errorCode(t, rec))
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
		req.Header.Set("Authorization", "Basic "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
		req.Header.Set("Authorization", "Bearer "+token+"x")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, utils.ErrInvalidToken, errorCode(t, rec))
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, userID.String(), rec.Body.String())
	})

	t.Run("query token only on upgrades", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
		req.Header.Set("Upgrade", "websocket")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, userID.String(), rec.Body.String())
	})

	t.Run("unprotected routes and preflight pass", func(t *testing.T) {
		for _, req := range []*http.Request{
			httptest.NewRequest(http.MethodGet, "/health", nil),
			httptest.NewRequest(http.MethodOptions, "/conversations", nil),
		} {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "anonymous", rec.Body.String())
		}
	})
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2)
	handler := limiter.Middleware(echoUser)

	call := func(remote string, userID uuid.UUID, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		if userID != uuid.Nil {
			req = req.WithContext(SetUserIDInContext(req.Context(), userID))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	alice := uuid.New()
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000", alice, "/conversations").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.2:1000", alice, "/conversations").Code)
	limited := call("10.0.0.3:1000", alice, "/conversations")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, utils.ErrTooManyRequests, errorCode(t, limited))

	// other identities have their own bucket
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000", uuid.New(), "/conversations").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.9:1000", uuid.Nil, "/conversations").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.9:2000", uuid.Nil, "/conversations").Code)
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.9:3000", uuid.Nil, "/conversations").Code)

	// health checks are never limited
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, call("10.0.0.1:1000", alice, "/health").Code)
	}
}

func TestCORS(t *testing.T) {
	handler := CORSMiddleware(DefaultCORSConfig([]string{"https://portal.example.com"}))(echoUser)

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/conversations", nil)
		req.Header.Set("Origin", "https://portal.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("foreign origin gets no grant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("wildcard echoes the origin", func(t *testing.T) {
		open := CORSMiddleware(nil)(echoUser)
		req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, req)
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
