// Package observability exports tier metrics and health.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/louisbranch/identity.space/internal/platform/telemetry/metrics"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

const subsystem = "projector"

var allStatuses = []projection.Status{
	projection.StatusStarting,
	projection.StatusServing,
	projection.StatusFaulted,
	projection.StatusStopped,
}

// Metrics records engine signals on a Prometheus registerer.
type Metrics struct {
	applied  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	faults   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	status   *prometheus.GaugeVec
}

var _ projection.Observer = (*Metrics)(nil)

// NewMetrics registers the projector metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		applied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "events_applied_total",
			Help:      "Events committed to a tier's read model.",
		}, []string{"tier", "event_type"}),
		skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "events_skipped_total",
			Help:      "Events a tier skipped, by reason.",
		}, []string{"tier", "event_type", "reason"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "events_failed_total",
			Help:      "Events whose handler or commit failed, by error code.",
		}, []string{"tier", "event_type", "code"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "tier_faults_total",
			Help:      "Times a tier stopped on an unrecoverable error.",
		}, []string{"tier"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "apply_duration_seconds",
			Help:      "Time from handler start to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"tier"}),
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "tier_status",
			Help:      "1 for the tier's current status, 0 otherwise.",
		}, []string{"tier", "status"}),
	}
}

func (m *Metrics) Applied(tier string, t string, elapsed time.Duration) {
	m.applied.WithLabelValues(tier, t).Inc()
	m.duration.WithLabelValues(tier).Observe(elapsed.Seconds())
}

func (m *Metrics) Skipped(tier string, t string, reason string) {
	m.skipped.WithLabelValues(tier, t, reason).Inc()
}

func (m *Metrics) Failed(tier string, t string, code string) {
	m.failed.WithLabelValues(tier, t, code).Inc()
}

func (m *Metrics) setStatus(tier string, status projection.Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.status.WithLabelValues(tier, string(s)).Set(v)
	}
}

func (m *Metrics) fault(tier string) {
	m.faults.WithLabelValues(tier).Inc()
}
