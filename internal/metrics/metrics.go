// Package metrics exposes server counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder interface {
	IncRequestsTotal(endpoint string, status int)
	ObserveRequestDuration(endpoint string, duration time.Duration)
	IncScenario(provider, scenario string)
	IncCommit(operation, outcome string)
	IncBlocked(reason string)
}

type Prometheus struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	scenarios       *prometheus.CounterVec
	commits         *prometheus.CounterVec
	blocked         *prometheus.CounterVec
}

// New returns a Prometheus recorder registered on reg, or a no-op recorder
// when metrics are disabled.
func New(enabled bool, reg prometheus.Registerer) Recorder {
	if !enabled {
		return Noop{}
	}
	factory := promauto.With(reg)
	return &Prometheus{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swipestats_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swipestats_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		scenarios: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swipestats_upload_scenarios_total",
			Help: "Upload contexts resolved, by provider and scenario",
		}, []string{"provider", "scenario"}),

		commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swipestats_commits_total",
			Help: "Profile commits, by operation and outcome",
		}, []string{"operation", "outcome"}),

		blocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swipestats_commits_blocked_total",
			Help: "Commits refused by server-side re-validation",
		}, []string{"reason"}),
	}
}

func (m *Prometheus) IncRequestsTotal(endpoint string, status int) {
	m.requestsTotal.WithLabelValues(endpoint, statusBucket(status)).Inc()
}

func (m *Prometheus) ObserveRequestDuration(endpoint string, duration time.Duration) {
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Prometheus) IncScenario(provider, scenario string) {
	m.scenarios.WithLabelValues(provider, scenario).Inc()
}

func (m *Prometheus) IncCommit(operation, outcome string) {
	m.commits.WithLabelValues(operation, outcome).Inc()
}

func (m *Prometheus) IncBlocked(reason string) {
	m.blocked.WithLabelValues(reason).Inc()
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncRequestsTotal(string, int)                 {}
func (Noop) ObserveRequestDuration(string, time.Duration) {}
func (Noop) IncScenario(string, string)                   {}
func (Noop) IncCommit(string, string)                     {}
func (Noop) IncBlocked(string)                            {}
