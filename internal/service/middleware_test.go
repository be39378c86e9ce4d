package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/contextsync"
)

func signToken(t *testing.T, secret string, expiresIn time.Duration) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuth(t *testing.T) {
	const secret = "unit-test-secret"

	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.APICfg.JWT = config.JWTConfig{Enabled: true, Secret: secret}
	}, nil)

	get := func(target, authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	t.Run("MissingToken", func(t *testing.T) {
		rec := get("/api/v1/sync/stats", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("MalformedHeader", func(t *testing.T) {
		rec := get("/api/v1/sync/stats", "Token abc")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		rec := get("/api/v1/sync/stats", "Bearer "+signToken(t, "some-other-secret", time.Hour))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Expired", func(t *testing.T) {
		rec := get("/api/v1/sync/stats", "Bearer "+signToken(t, secret, -time.Hour))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Valid", func(t *testing.T) {
		rec := get("/api/v1/sync/stats", "Bearer "+signToken(t, secret, time.Hour))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("HealthExempt", func(t *testing.T) {
		rec := get("/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.ScreenshotDir = t.TempDir()
	logger := zap.New(core)
	srv := NewServer(&Components{
		Config: cfg,
		Logger: logger,
		Sync:   contextsync.New(nil, cfg.ContextSync(), nil, logger),
	})

	handler := srv.recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
	assert.Len(t, logs.FilterMessage("Panic recovered in HTTP handler.").All(), 1)
}

func TestRequestLoggerMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.ScreenshotDir = t.TempDir()
	logger := zap.New(core)
	srv := NewServer(&Components{
		Config: cfg,
		Logger: logger,
		Sync:   contextsync.New(nil, cfg.ContextSync(), nil, logger),
	})

	handler := srv.requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brew", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, http.MethodGet, fields["method"])
	assert.Equal(t, "/brew", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
}
