package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowdeck"

// Recorder owns a Prometheus registry and the collectors the front door
// reports into: HTTP traffic, feature module activation outcomes, preset
// credential gate decisions, type generation runs and push connections.
type Recorder struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activations     *prometheus.CounterVec
	gateResults     *prometheus.CounterVec
	typeGenerations *prometheus.CounterVec
	pushClients     prometheus.Gauge
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry that also exports Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_activations_total",
			Help:      "Feature module activation outcomes.",
		}, []string{"module", "status"}),
		gateResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preset_credentials_requests_total",
			Help:      "Preset credentials gate decisions.",
		}, []string{"result"}),
		typeGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "type_generations_total",
			Help:      "Node and credential type file generation runs.",
		}, []string{"result"}),
		pushClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connections",
			Help:      "Open push channel connections.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.activations,
		r.gateResults,
		r.typeGenerations,
		r.pushClients,
	)
	return r
}

// Default returns the process-wide recorder used when callers pass nil.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault swaps the process-wide recorder, mainly for tests.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry for additional collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest counts a completed request and records its latency.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	normalized := normalizePath(path)
	upper := strings.ToUpper(method)
	r.requests.WithLabelValues(upper, normalized, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(upper, normalized).Observe(duration.Seconds())
}

// ObserveActivation records the outcome (activated, skipped, failed) of one
// feature module during startup.
func (r *Recorder) ObserveActivation(module, status string) {
	r.activations.WithLabelValues(normalizeName(module), normalizeName(status)).Inc()
}

// ObserveGate records a preset credentials gate decision.
func (r *Recorder) ObserveGate(result string) {
	r.gateResults.WithLabelValues(normalizeName(result)).Inc()
}

func (r *Recorder) ObserveTypeGeneration(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	r.typeGenerations.WithLabelValues(result).Inc()
}

func (r *Recorder) PushConnected() {
	r.pushClients.Inc()
}

func (r *Recorder) PushDisconnected() {
	r.pushClients.Dec()
}

func normalizeName(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizePath collapses identifier-looking segments so label cardinality
// stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.Contains(segment, ".") {
		return false
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}
