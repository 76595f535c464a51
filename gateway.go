package authgate

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/it-era/authgate/internal/audit"
	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/kv"
	"github.com/it-era/authgate/ratelimit"
	"github.com/it-era/authgate/session"
	"github.com/it-era/authgate/token"
)

// Gateway is the HTTP surface of the protection layer. Construct it with
// [Builder.Build]; the zero value is not usable.
type Gateway struct {
	cfg      Config
	tokens   *token.Service
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	creds    CredentialStore
	store    kv.Store
	audit    *audit.Dispatcher
	metrics  *metrics.Metrics
	now      func() time.Time

	handler http.Handler
}

type requestMetaKey struct{}

type requestMeta struct {
	id    string
	start time.Time
}

func (g *Gateway) init() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, r, http.StatusNotFound, "NOT_FOUND")
	})
	mux.HandleFunc("/api/auth/login", g.route(http.MethodPost, g.handleLogin))
	mux.HandleFunc("/api/auth/refresh", g.route(http.MethodPost, g.handleRefresh))
	mux.HandleFunc("/api/auth/verify", g.route(http.MethodGet, g.handleVerify))
	mux.HandleFunc("/api/auth/logout", g.route(http.MethodPost, g.handleLogout))
	mux.HandleFunc("/api/auth/sessions", g.handleSessions)
	mux.HandleFunc("/api/auth/security-status", g.route(http.MethodGet, g.handleSecurityStatus))

	c := cors.New(cors.Options{
		AllowedOrigins:   g.cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   g.cfg.CORS.AllowedHeaders,
		AllowCredentials: true,
		MaxAge:           int(g.cfg.CORS.MaxAge.Seconds()),
	})

	g.handler = c.Handler(g.admit(mux))
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Tokens exposes the credential service for embedding hosts.
func (g *Gateway) Tokens() *token.Service { return g.tokens }

// Sessions exposes the session manager for embedding hosts.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Limiter exposes the rate limiter for embedding hosts.
func (g *Gateway) Limiter() *ratelimit.Limiter { return g.limiter }

// Metrics exposes the counter set; nil-safe to read when disabled.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Close drains the audit pipeline. Call on shutdown.
func (g *Gateway) Close() {
	g.audit.Close()
}

// admit tags the request, applies security headers, and runs rate
// limiting before any handler sees the request.
func (g *Gateway) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := requestMeta{
			id:    uuid.NewString(),
			start: g.now(),
		}
		r = r.WithContext(context.WithValue(r.Context(), requestMetaKey{}, meta))

		w.Header().Set("X-Request-ID", meta.id)
		securityHeaders(w.Header())

		identifier := clientIP(r)
		action := actionFor(r.URL.Path)

		result := g.limiter.Check(r.Context(), identifier, action, ratelimit.Metadata{
			UserAgent: r.UserAgent(),
			Path:      r.URL.Path,
		})
		rateLimitHeaders(w.Header(), result)

		if !result.Allowed {
			if action == ratelimit.ActionLogin {
				g.metricInc(metrics.MetricLoginRateLimited)
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			g.writeError(w, r, http.StatusTooManyRequests, denialCode(result))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) route(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			g.writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
			return
		}
		handler(w, r)
	}
}

func securityHeaders(h http.Header) {
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
	h.Set("Cache-Control", "no-store")
}

func rateLimitHeaders(h http.Header, result *ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
}

// actionFor picks the rate-limit class by route: login attempts get the
// strictest budget, token operations the next, everything else the
// general api budget.
func actionFor(path string) ratelimit.Action {
	switch path {
	case "/api/auth/login":
		return ratelimit.ActionLogin
	case "/api/auth/refresh":
		return ratelimit.ActionToken
	default:
		return ratelimit.ActionAPI
	}
}

// clientIP resolves the originating address, preferring proxy headers
// the edge sets over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	if meta, ok := r.Context().Value(requestMetaKey{}).(requestMeta); ok {
		elapsed := g.now().Sub(meta.start)
		w.Header().Set("X-Processing-Time", strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	g.writeJSON(w, r, status, apiError{
		Error: clientMessageFor(status),
		Code:  code,
	})
}

// fail maps an internal error to its response without leaking internals.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFor(err)
	g.writeError(w, r, status, errorCodeFor(err))
}

func (g *Gateway) emit(ctx context.Context, event audit.Event) {
	if g.audit == nil {
		return
	}
	g.audit.Emit(ctx, event)
}

func (g *Gateway) metricInc(id metrics.MetricID) {
	if g.metrics != nil {
		g.metrics.Inc(id)
	}
}
