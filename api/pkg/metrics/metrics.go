package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "appbuilder"

// Metrics groups the coordination layer's collectors. A nil *Metrics is valid
// and records nothing, so components can be built without a registry in tests.
//
// Collectors:
//   - rate limit decisions by policy and outcome (allowed|denied|failed_open)
//   - dev server admissions by path (immediate|queued)
//   - provisioning attempts and terminal failures
//   - queue timeouts and the number of queued waiters
//   - lock acquisitions by outcome (acquired|timeout|error)
//   - stream lifecycle events (finish|error|abort|forced_clear)
type Metrics struct {
	RateLimitDecisions     *prometheus.CounterVec
	Admissions             *prometheus.CounterVec
	ProvisioningAttempts   *prometheus.CounterVec
	ProvisioningFailures   prometheus.Counter
	ProvisioningDuration   prometheus.Histogram
	QueueTimeouts          prometheus.Counter
	QueuedWaiters          prometheus.Gauge
	LockAcquisitions       *prometheus.CounterVec
	StreamLifecycleEvents  *prometheus.CounterVec
	ActiveStreamSessions   prometheus.Gauge
	HTTPRequestDuration    *prometheus.HistogramVec
}

// New registers every collector on reg. Passing a fresh registry per test
// avoids duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limit checks by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dev_server_admissions_total",
				Help:      "Dev server requests by admission path",
			},
			[]string{"path"},
		),
		ProvisioningAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dev_server_provisioning_attempts_total",
				Help:      "Provisioning attempts by status",
			},
			[]string{"status"},
		),
		ProvisioningFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dev_server_provisioning_failures_total",
				Help:      "Requests that failed after all provisioning attempts",
			},
		),
		ProvisioningDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dev_server_provisioning_duration_seconds",
				Help:      "Time to provision a dev server including retries",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
		QueueTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dev_server_queue_timeouts_total",
				Help:      "Queued requests abandoned after the maximum wait",
			},
		),
		QueuedWaiters: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dev_server_queued_waiters",
				Help:      "Callers on this instance waiting for a queued dev server",
			},
		),
		LockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_lock_acquisitions_total",
				Help:      "Project lock acquisition attempts by outcome",
			},
			[]string{"outcome"},
		),
		StreamLifecycleEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_lifecycle_events_total",
				Help:      "Generation sessions ended, by terminal event",
			},
			[]string{"event"},
		),
		ActiveStreamSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_active_sessions",
				Help:      "Generation sessions owned by this instance",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

func (m *Metrics) ObserveRateLimit(policy string, allowed, failedOpen bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	switch {
	case failedOpen:
		outcome = "failed_open"
	case !allowed:
		outcome = "denied"
	}
	m.RateLimitDecisions.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) ObserveAdmission(path string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(path).Inc()
}

func (m *Metrics) ObserveProvisioningAttempt(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProvisioningAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveProvisioning(seconds float64, err error) {
	if m == nil {
		return
	}
	m.ProvisioningDuration.Observe(seconds)
	if err != nil {
		m.ProvisioningFailures.Inc()
	}
}

func (m *Metrics) ObserveQueueTimeout() {
	if m == nil {
		return
	}
	m.QueueTimeouts.Inc()
}

func (m *Metrics) AddQueuedWaiters(delta float64) {
	if m == nil {
		return
	}
	m.QueuedWaiters.Add(delta)
}

func (m *Metrics) ObserveLock(outcome string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStreamEvent(event string) {
	if m == nil {
		return
	}
	m.StreamLifecycleEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) AddActiveSessions(delta float64) {
	if m == nil {
		return
	}
	m.ActiveStreamSessions.Add(delta)
}

func (m *Metrics) ObserveHTTP(method, route, statusCode string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(seconds)
}
