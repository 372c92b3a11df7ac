package middleware_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestTokenFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	r.Header.Set("Authorization", "Bearer header")
	r.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: "cookie"})
	assert.Equal(t, "query", middleware.TokenFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "bearer header")
	r.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: "cookie"})
	assert.Equal(t, "header", middleware.TokenFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	r.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: "cookie"})
	assert.Equal(t, "cookie", middleware.TokenFrom(r))

	assert.Empty(t, middleware.TokenFrom(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}

func TestTokenMiddleware(t *testing.T) {
	logger := newTestLogger()
	var seen *middleware.RequestMetadata
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = middleware.ReqMetadataFrom(r.Context())
	})
	h := middleware.RequestMetadataMiddleware()(middleware.NewTokenMiddleware(logger)(final))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	h.ServeHTTP(rec, req)
	require.NotNil(t, seen)
	assert.Equal(t, "abc", seen.Token)
	assert.Equal(t, "10.0.0.7", seen.IP)

	seen = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)
}

func TestTokenMiddleware_RequiresMetadata(t *testing.T) {
	h := middleware.NewTokenMiddleware(newTestLogger())(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
