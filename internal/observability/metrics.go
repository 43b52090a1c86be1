package observability

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	Enabled bool
	// Namespace prefixes every metric name (default: extlogin).
	Namespace string
	// Version is reported by the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "extlogin",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv reads EXTLOGIN_METRICS_ENABLED and APP_VERSION.
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("EXTLOGIN_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics collects HTTP and login counters and renders them in the
// Prometheus text format. It satisfies oauth.Observer. Safe for concurrent use.
type Metrics struct {
	namespace string
	version   string

	// key = "method:path:status"
	httpCounts counterVec
	// key = "method:path"
	httpDurations  map[string]*durationCollector
	httpDurationMu sync.RWMutex

	// key = provider
	challenges counterVec
	// key = "provider:result"
	results counterVec

	rateLimitAllowed  atomic.Int64
	rateLimitRejected atomic.Int64
}

type counterVec struct {
	mu sync.RWMutex
	m  map[string]*atomic.Int64
}

func (c *counterVec) inc(key string) {
	c.mu.RLock()
	n, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if n, ok = c.m[key]; !ok {
			if c.m == nil {
				c.m = make(map[string]*atomic.Int64)
			}
			n = &atomic.Int64{}
			c.m[key] = n
		}
		c.mu.Unlock()
	}
	n.Add(1)
}

func (c *counterVec) get(key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.m[key]; ok {
		return n.Load()
	}
	return 0
}

// each visits keys in sorted order for deterministic output.
func (c *counterVec) each(fn func(key string, v int64)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, c.m[k].Load())
	}
}

// durationCollector keeps a sliding window of samples for quantiles.
type durationCollector struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
}

func newDurationCollector(maxSize int) *durationCollector {
	return &durationCollector{
		samples: make([]float64, 0, maxSize),
		maxSize: maxSize,
	}
}

func (d *durationCollector) add(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) >= d.maxSize {
		copy(d.samples, d.samples[1:])
		d.samples = d.samples[:len(d.samples)-1]
	}
	d.samples = append(d.samples, duration.Seconds())
}

func (d *durationCollector) quantile(q float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(d.samples))
	copy(sorted, d.samples)
	sort.Float64s(sorted)

	idx := q * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func (d *durationCollector) sumCount() (float64, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total float64
	for _, s := range d.samples {
		total += s
	}
	return total, len(d.samples)
}

// NewMetrics creates a new Metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "extlogin"
	}
	return &Metrics{
		namespace:     cfg.Namespace,
		version:       cfg.Version,
		httpDurations: make(map[string]*durationCollector),
	}
}

// ChallengeIssued counts a redirect to an external provider.
func (m *Metrics) ChallengeIssued(provider string) {
	if m == nil {
		return
	}
	m.challenges.inc(provider)
}

// LoginCompleted counts a finished callback by provider and result label.
func (m *Metrics) LoginCompleted(provider, result string) {
	if m == nil {
		return
	}
	m.results.inc(provider + ":" + result)
}

// LoginResults returns the count recorded for provider and result.
func (m *Metrics) LoginResults(provider, result string) int64 {
	return m.results.get(provider + ":" + result)
}

// RecordHTTPRequest records an HTTP request with its method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	normalizedPath := normalizePath(path)
	m.httpCounts.inc(fmt.Sprintf("%s:%s:%d", method, normalizedPath, statusCode))

	durationKey := method + ":" + normalizedPath
	m.httpDurationMu.Lock()
	collector, ok := m.httpDurations[durationKey]
	if !ok {
		collector = newDurationCollector(1000)
		m.httpDurations[durationKey] = collector
	}
	m.httpDurationMu.Unlock()
	collector.add(duration)
}

func (m *Metrics) RecordRateLimitAllowed()  { m.rateLimitAllowed.Add(1) }
func (m *Metrics) RecordRateLimitRejected() { m.rateLimitRejected.Add(1) }

// normalizePath replaces numeric and UUID path segments with {id}.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writePrometheusMetrics(w)
	})
}

func (m *Metrics) writePrometheusMetrics(w io.Writer) {
	ns := m.namespace

	fmt.Fprintf(w, "# HELP %s_info Application information\n", ns)
	fmt.Fprintf(w, "# TYPE %s_info gauge\n", ns)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", ns, m.version)

	fmt.Fprintf(w, "# HELP %s_login_challenges_total Redirects issued to external providers\n", ns)
	fmt.Fprintf(w, "# TYPE %s_login_challenges_total counter\n", ns)
	m.challenges.each(func(provider string, v int64) {
		fmt.Fprintf(w, "%s_login_challenges_total{provider=%q} %d\n", ns, provider, v)
	})
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_login_results_total Completed callbacks by outcome\n", ns)
	fmt.Fprintf(w, "# TYPE %s_login_results_total counter\n", ns)
	m.results.each(func(key string, v int64) {
		provider, result, _ := strings.Cut(key, ":")
		fmt.Fprintf(w, "%s_login_results_total{provider=%q,result=%q} %d\n", ns, provider, result, v)
	})
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_http_requests_total Total number of HTTP requests\n", ns)
	fmt.Fprintf(w, "# TYPE %s_http_requests_total counter\n", ns)
	m.httpCounts.each(func(key string, v int64) {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			fmt.Fprintf(w, "%s_http_requests_total{method=%q,path=%q,status=%q} %d\n", ns, parts[0], parts[1], parts[2], v)
		}
	})
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_http_request_duration_seconds HTTP request duration in seconds\n", ns)
	fmt.Fprintf(w, "# TYPE %s_http_request_duration_seconds summary\n", ns)
	m.httpDurationMu.RLock()
	durationKeys := make([]string, 0, len(m.httpDurations))
	for k := range m.httpDurations {
		durationKeys = append(durationKeys, k)
	}
	sort.Strings(durationKeys)
	for _, key := range durationKeys {
		collector := m.httpDurations[key]
		method, path, _ := strings.Cut(key, ":")
		for _, q := range []float64{0.5, 0.9, 0.99} {
			fmt.Fprintf(w, "%s_http_request_duration_seconds{method=%q,path=%q,quantile=\"%.2f\"} %.6f\n",
				ns, method, path, q, collector.quantile(q))
		}
		sum, count := collector.sumCount()
		fmt.Fprintf(w, "%s_http_request_duration_seconds_sum{method=%q,path=%q} %.6f\n", ns, method, path, sum)
		fmt.Fprintf(w, "%s_http_request_duration_seconds_count{method=%q,path=%q} %d\n", ns, method, path, count)
	}
	m.httpDurationMu.RUnlock()
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_rate_limit_requests_total Total rate limit decisions\n", ns)
	fmt.Fprintf(w, "# TYPE %s_rate_limit_requests_total counter\n", ns)
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"allowed\"} %d\n", ns, m.rateLimitAllowed.Load())
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"rejected\"} %d\n", ns, m.rateLimitRejected.Load())
}

// MetricsMiddleware records request counts and durations. A nil m is a no-op.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// RateLimitMetricsMiddleware wraps the rate limiter and counts its decisions.
func RateLimitMetricsMiddleware(m *Metrics, rateLimitEnabled bool) func(http.Handler) http.Handler {
	if m == nil || !rateLimitEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			if wrapped.statusCode == http.StatusTooManyRequests {
				m.RecordRateLimitRejected()
			} else {
				m.RecordRateLimitAllowed()
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
