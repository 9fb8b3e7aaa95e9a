package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arbiterhq/arbiter/internal/core/ports"
)

// Prometheus implements ports.StatsCollector on a prometheus registry
type Prometheus struct {
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	attempts           *prometheus.CounterVec
	attemptLatency     *prometheus.HistogramVec
	providerSwitches   prometheus.Counter
	rateLimitRejects   *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
}

var _ ports.StatsCollector = (*Prometheus)(nil)

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "requests_total",
			Help:      "Completed client requests by final status code.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration including retries.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "upstream_attempts_total",
			Help:      "Individual upstream attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "upstream_attempt_seconds",
			Help:      "Latency of individual upstream attempts.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		providerSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "provider_switches_total",
			Help:      "Failovers from one provider to another.",
		}),
		rateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "rate_limit_rejects_total",
			Help:      "Requests rejected by the admission guard, by limit type.",
		}, []string{"limit_type"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"scope", "from", "to"}),
	}

	reg.MustRegister(
		p.requests, p.requestDuration,
		p.attempts, p.attemptLatency,
		p.providerSwitches, p.rateLimitRejects, p.breakerTransitions,
	)
	return p
}

func (p *Prometheus) RecordRequest(status int, duration time.Duration) {
	s := strconv.Itoa(status)
	p.requests.WithLabelValues(s).Inc()
	p.requestDuration.WithLabelValues(s).Observe(duration.Seconds())
}

func (p *Prometheus) RecordAttempt(providerID, outcome string, latency time.Duration) {
	p.attempts.WithLabelValues(providerID, outcome).Inc()
	p.attemptLatency.WithLabelValues(providerID).Observe(latency.Seconds())
}

func (p *Prometheus) RecordProviderSwitch() {
	p.providerSwitches.Inc()
}

func (p *Prometheus) RecordRateLimitReject(limitType string) {
	p.rateLimitRejects.WithLabelValues(limitType).Inc()
}

func (p *Prometheus) RecordBreakerTransition(scope, id, from, to string) {
	// id is deliberately not a label; provider cardinality belongs in logs
	p.breakerTransitions.WithLabelValues(scope, from, to).Inc()
}

// Noop discards every observation; used by tests and as the default when
// metrics are disabled
type Noop struct{}

var _ ports.StatsCollector = Noop{}

func (Noop) RecordRequest(int, time.Duration)                       {}
func (Noop) RecordAttempt(string, string, time.Duration)            {}
func (Noop) RecordProviderSwitch()                                  {}
func (Noop) RecordRateLimitReject(string)                           {}
func (Noop) RecordBreakerTransition(string, string, string, string) {}
