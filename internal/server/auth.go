package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbingest-go/internal/logging"
)

// Rejection reasons, used as the reason label of auth_rejections_total.
const (
	rejectMissing = "missing"
	rejectInvalid = "invalid"
)

// tokenGuard gates ops routes that reveal internal state behind a shared
// bearer token:
//
//	Authorization: Bearer <OPS_API_KEY>
//
// A guard with no token lets every request through. Tokens are compared in
// constant time and never logged.
type tokenGuard struct {
	token    []byte
	rejected *prometheus.CounterVec
}

func newTokenGuard(apiKey string, rejected *prometheus.CounterVec) *tokenGuard {
	g := &tokenGuard{rejected: rejected}
	if apiKey != "" {
		g.token = []byte(apiKey)
	}
	return g
}

// protect wraps next so that it only runs for requests carrying the token.
func (g *tokenGuard) protect(next http.Handler) http.Handler {
	if g.token == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := bearerToken(r.Header.Get("Authorization"))
		switch {
		case !ok:
			g.reject(w, r, rejectMissing, `Bearer realm="kbingest"`)
		case subtle.ConstantTimeCompare([]byte(presented), g.token) != 1:
			g.reject(w, r, rejectInvalid, `Bearer realm="kbingest", error="invalid_token"`)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (g *tokenGuard) reject(w http.ResponseWriter, r *http.Request, reason, challenge string) {
	logging.FromContext(r.Context()).Warn("auth: request rejected",
		slog.String("path", r.URL.Path),
		slog.String("reason", reason),
	)
	if g.rejected != nil {
		g.rejected.WithLabelValues(reason).Inc()
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// bearerToken parses an Authorization header value of the form
// "Bearer <token>" with a case-insensitive scheme.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
