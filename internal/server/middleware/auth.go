package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// SessionCookie is checked when neither the query nor the header carries a token.
const SessionCookie = "session-token"

// TokenFrom extracts the credential from the request. Browsers cannot set
// headers on a websocket handshake, so the query parameter comes first.
func TokenFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	if t := bearerToken(r); t != "" {
		return t
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// NewTokenMiddleware records the presented token in the request metadata and
// refuses requests that carry none before any upgrade happens.
func NewTokenMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Token middleware could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			reqMeta.Token = TokenFrom(r)
			if reqMeta.Token == "" {
				logger.Warn("Token missing in request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
