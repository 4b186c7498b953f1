package httpx

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/netutil"
	"github.com/voxlane/voxlane/pkg/ratelimit"
	"github.com/voxlane/voxlane/pkg/server/api"
)

// CORSMiddleware stamps permissive CORS headers on every response and
// short-circuits OPTIONS preflight requests. The API carries no cookies
// or browser credentials, so the wildcard origin grants nothing beyond
// what any non-browser client already has.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AdmissionMiddleware charges mutating API requests against the
// admission limiter and rejects with 429 when a budget is exhausted.
// Reads and probes pass through uncharged. A nil limiter disables the
// middleware entirely.
//
// The client identity used for the per-origin budget honors
// X-Forwarded-For only when the peer is listed in
// cfg.TrustedProxies; otherwise the TCP peer address is the origin.
func AdmissionMiddleware(cfg config.ServerConfig, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}

	logger := log.With().Str("component", "httpx.admission").Logger()

	trusted, err := netutil.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		// A config typo must not change who gets in. Trust nobody's
		// forwarding headers and say so loudly.
		logger.Warn().Err(err).Msg("Invalid trusted_proxies config, ignoring X-Forwarded-For")
		trusted = nil
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !admissionControlled(r) {
			next.ServeHTTP(w, r)
			return
		}

		origin := netutil.ForwardedClientIP(r, trusted)
		ok, reason := limiter.Allow(origin)
		if !ok {
			logger.Warn().
				Str("origin", origin).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("reason", reason).
				Msg("Request rejected by admission control")

			w.Header().Set("Retry-After", "60")
			api.WriteJSONError(w, http.StatusTooManyRequests, "Too Many Requests", "RATE_LIMITED", reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// admissionControlled reports whether a request spends admission tokens.
// Only mutating API calls are charged.
func admissionControlled(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

// RequestLogMiddleware emits one debug-level access line per request.
// Handlers log their own completions at info; the transport line exists
// so requests that never reach a handler (404s, admission denials,
// preflights) are still visible when debugging.
func RequestLogMiddleware(next http.Handler) http.Handler {
	logger := log.With().Str("component", "httpx.access").Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", netutil.ClientIP(r)).
			Int("status", rec.status).
			Dur("duration_ms", time.Since(start)).
			Msg("request")
	})
}

// statusRecorder captures the status code written by downstream
// handlers. It forwards Hijack and Flush so websocket upgrades and
// streaming responses keep working through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (sr *statusRecorder) Flush() {
	if fl, ok := sr.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}
