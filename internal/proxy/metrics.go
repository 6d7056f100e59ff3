package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records proxy traffic. Labels are limited to the rule context and
// status code to keep cardinality bounded.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates the proxy collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devserver_proxy_requests_total",
			Help: "Total number of proxied requests, by rule and status code.",
		}, []string{"rule", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devserver_proxy_request_duration_seconds",
			Help:    "Duration of proxied requests, by rule.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devserver_proxy_errors_total",
			Help: "Total number of requests that failed to reach the upstream, by rule.",
		}, []string{"rule"}),
	}
}

func (m *Metrics) observe(rule string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(rule, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(rule).Observe(elapsed.Seconds())
}

func (m *Metrics) recordError(rule string) {
	m.errors.WithLabelValues(rule).Inc()
}
