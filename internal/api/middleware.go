package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"extlogin/internal/observability"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 64

	// Buckets idle longer than bucketIdleTTL are dropped, at most once per
	// bucketSweepInterval.
	bucketIdleTTL       = 5 * time.Minute
	bucketSweepInterval = 30 * time.Second
)

// Middleware represents an HTTP middleware that wraps a handler.
type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares wraps h so that middlewares[0] runs first.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDMiddleware propagates a safe inbound X-Request-ID or mints one,
// and stores it on the context for logs, audit events and Sentry.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	return strings.IndexFunc(id, func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.')
	}) < 0
}

// LoggingMiddleware logs one line per request, runs it inside a Sentry
// transaction and turns panics into a 500.
func LoggingMiddleware(logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, tx, hub := startTransaction(r)
			defer tx.Finish()
			ctx := r.Context()

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				p := recover()
				if p != nil {
					tx.Status = sentry.SpanStatusInternalError
					hub.RecoverWithContext(ctx, p)
					logger.ErrorContext(ctx, "panic recovered", "method", r.Method, "path", r.URL.Path, "panic", p)
					writeJSON(rec, http.StatusInternalServerError, apiError{Error: "internal server error"})
					return
				}
				tx.Status = sentry.HTTPtoSpanStatus(rec.status)
				logAt(logger, rec.status)(ctx, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// startTransaction opens the http.server transaction for r on a
// request-scoped hub. The query string carries codes and state, so Sentry
// only sees the path.
func startTransaction(r *http.Request) (*http.Request, *sentry.Span, *sentry.Hub) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
		ctx = sentry.SetHubOnContext(ctx, hub)
	}
	tx := sentry.StartTransaction(ctx,
		r.Method+" "+r.URL.Path,
		sentry.WithOpName("http.server"),
		sentry.ContinueFromRequest(r),
		sentry.WithTransactionSource(sentry.SourceURL),
	)
	r = r.WithContext(tx.Context())

	scrubbed := r.Clone(r.Context())
	scrubbed.URL.RawQuery = ""
	hub.Scope().SetRequest(scrubbed)
	hub.Scope().SetContext("request", map[string]any{"path": r.URL.Path, "method": r.Method})
	return r, tx, hub
}

func logAt(logger observability.Logger, status int) func(ctx context.Context, msg string, args ...any) {
	switch {
	case status >= 500:
		return logger.ErrorContext
	case status >= 400:
		return logger.WarnContext
	default:
		return logger.InfoContext
	}
}

// RateLimitConfig configures a token bucket: RequestsPerSecond refill and
// Burst capacity per key.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Enabled reports whether rate limiting should be enforced.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.Burst > 0
}

// bucketSet holds one token bucket per key.
type bucketSet struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newBucketSet(cfg RateLimitConfig) *bucketSet {
	return &bucketSet{cfg: cfg, buckets: make(map[string]*bucket)}
}

// take spends one token from key's bucket and reports what is left.
func (bs *bucketSet) take(key string, now time.Time) (allowed bool, remaining int) {
	bs.mu.Lock()
	b, ok := bs.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(bs.cfg.RequestsPerSecond), bs.cfg.Burst)}
		bs.buckets[key] = b
	}
	b.lastSeen = now
	if now.Sub(bs.lastSweep) > bucketSweepInterval {
		for k, idle := range bs.buckets {
			if now.Sub(idle.lastSeen) > bucketIdleTTL {
				delete(bs.buckets, k)
			}
		}
		bs.lastSweep = now
	}
	bs.mu.Unlock()

	allowed = b.limiter.AllowN(now, 1)
	return allowed, max(int(math.Floor(b.limiter.TokensAt(now))), 0)
}

func (bs *bucketSet) len() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.buckets)
}

// limit answers 429 once key's bucket is empty. Every response carries
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset.
func limit(bs *bucketSet, key func(*http.Request) string, logger observability.Logger, msg string) Middleware {
	perSecond := bs.cfg.RequestsPerSecond
	limitHeader := strconv.FormatFloat(perSecond, 'f', -1, 64)
	refill := time.Duration(float64(time.Second) / perSecond)
	retryAfter := strconv.Itoa(max(int(math.Ceil(1/perSecond)), 1))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			allowed, remaining := bs.take(key(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(refill).Unix(), 10))
			if !allowed {
				logger.WarnContext(r.Context(), msg, "method", r.Method, "path", r.URL.Path)
				h.Set("Retry-After", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// RateLimitMiddleware applies cfg per client address.
func RateLimitMiddleware(cfg RateLimitConfig, proxies *TrustedProxyConfig, logger observability.Logger) Middleware {
	if !cfg.Enabled() {
		return passthrough
	}
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return limit(newBucketSet(cfg), func(r *http.Request) string {
		return clientIP(r, proxies)
	}, logger, "rate limit exceeded")
}

// LoginRateLimitMiddleware is the stricter limiter in front of /login and the
// callback. Every attempt costs a provider round trip, so /login is charged
// per client and provider: retrying a failing provider does not block the
// others. Names that isProvider rejects share one bucket per client, and so
// do callbacks.
func LoginRateLimitMiddleware(cfg RateLimitConfig, proxies *TrustedProxyConfig, isProvider func(string) bool, logger observability.Logger) Middleware {
	if !cfg.Enabled() {
		return passthrough
	}
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return limit(newBucketSet(cfg), func(r *http.Request) string {
		return loginBucketKey(r, proxies, isProvider)
	}, logger, "login rate limit exceeded")
}

func loginBucketKey(r *http.Request, proxies *TrustedProxyConfig, isProvider func(string) bool) string {
	scope := r.URL.Path
	if p := r.URL.Query().Get("provider"); p != "" && isProvider != nil && isProvider(p) {
		scope += "?provider=" + p
	}
	return clientIP(r, proxies) + " " + scope
}

// TrustedProxyConfig lists the reverse proxies allowed to set X-Forwarded-For.
type TrustedProxyConfig struct {
	CIDRs []netip.Prefix
}

// ParseTrustedProxies parses a comma-separated list of CIDRs.
func ParseTrustedProxies(raw string) (*TrustedProxyConfig, error) {
	tc := &TrustedProxyConfig{}
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", s, err)
		}
		tc.CIDRs = append(tc.CIDRs, prefix)
	}
	return tc, nil
}

// IsTrusted reports whether remoteAddr (host:port) is a trusted proxy.
func (tc *TrustedProxyConfig) IsTrusted(remoteAddr string) bool {
	ap, err := netip.ParseAddrPort(remoteAddr)
	return err == nil && tc.contains(ap.Addr())
}

func (tc *TrustedProxyConfig) contains(addr netip.Addr) bool {
	if tc == nil {
		return false
	}
	addr = addr.Unmap()
	for _, cidr := range tc.CIDRs {
		if cidr.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP is the address the request came from. Behind trusted proxies it
// is the rightmost X-Forwarded-For hop that is not itself a trusted proxy;
// hops to its left are client-supplied and ignored.
func clientIP(r *http.Request, proxies *TrustedProxyConfig) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !proxies.IsTrusted(r.RemoteAddr) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !proxies.contains(addr) {
			return addr.String()
		}
	}
	return host
}

// AdminAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token disables the wrapped routes.
func AdminAuthMiddleware(token string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeJSON(w, http.StatusForbidden, apiError{Error: "admin API disabled", Detail: "EXTLOGIN_ADMIN_TOKEN is not set"})
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="extlogin-admin"`)
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
