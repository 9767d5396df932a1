package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// transportMetrics groups the HTTP layer collectors. Labels use the chi route
// pattern so per-model paths share one series.
type transportMetrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	responseBytes *prometheus.HistogramVec
	inflight      prometheus.Gauge
	backpressure  *prometheus.CounterVec
}

func newTransportMetrics(reg prometheus.Registerer) *transportMetrics {
	f := promauto.With(reg)
	labels := []string{"route", "method", "code"}
	return &transportMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "predictd", Subsystem: "http",
			Name: "requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, labels),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "predictd", Subsystem: "http",
			Name:    "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, labels),
		responseBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "predictd", Subsystem: "http",
			Name:    "response_size_bytes",
			Help:    "Size of HTTP response bodies.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"route"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "predictd", Subsystem: "http",
			Name: "inflight_requests",
			Help: "HTTP requests being served.",
		}),
		backpressure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "predictd", Subsystem: "http",
			Name: "backpressure_total",
			Help: "Requests rejected with 429, by reason.",
		}, []string{"reason"}),
	}
}

var httpMetrics = newTransportMetrics(prometheus.DefaultRegisterer)

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// MetricsMiddleware instruments requests. The route label is read after the
// handler ran, once chi has matched the pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpMetrics.inflight.Inc()
		defer httpMetrics.inflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := routeLabel(r)
		code := strconv.Itoa(rec.status)
		httpMetrics.requests.WithLabelValues(route, r.Method, code).Inc()
		httpMetrics.duration.WithLabelValues(route, r.Method, code).Observe(time.Since(start).Seconds())
		httpMetrics.responseBytes.WithLabelValues(route).Observe(float64(rec.bytes))
	})
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// IncrementBackpressure counts a 429 response.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	httpMetrics.backpressure.WithLabelValues(reason).Inc()
}
