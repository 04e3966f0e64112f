package monitoring

import (
	"time"

	"callrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionCollector exports orchestration measurements to Prometheus.
type SessionCollector struct {
	// Counters
	joinsTotal           *prometheus.CounterVec
	cleanupsTotal        prometheus.Counter
	cleanupWarnings      prometheus.Counter
	subscriptionFailures *prometheus.CounterVec

	// Gauges
	activeSession      *prometheus.GaugeVec
	remoteParticipants prometheus.Gauge
	reconnecting       prometheus.Gauge

	// Histograms
	joinDuration    *prometheus.HistogramVec
	cleanupDuration prometheus.Histogram
}

// NewSessionCollector registers the session metrics on reg. A nil reg uses the
// default registerer.
func NewSessionCollector(reg prometheus.Registerer) *SessionCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &SessionCollector{
		joinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_joins_total",
			Help: "Join attempts by role and result",
		}, []string{"role", "result"}),

		cleanupsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_cleanups_total",
			Help: "Total number of session cleanups",
		}),

		cleanupWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_cleanup_warnings_total",
			Help: "Teardown steps that failed during cleanup",
		}),

		subscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_subscription_failures_total",
			Help: "Remote publications that could not be subscribed",
		}, []string{"media"}),

		activeSession: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callrelay_active_session",
			Help: "1 while a session is active for the role",
		}, []string{"role"}),

		remoteParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callrelay_remote_participants",
			Help: "Remote participants currently tracked",
		}),

		reconnecting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callrelay_reconnecting",
			Help: "1 while the relay connection is recovering",
		}),

		joinDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callrelay_join_duration_seconds",
			Help:    "Duration of join attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),

		cleanupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callrelay_cleanup_duration_seconds",
			Help:    "Duration of session cleanups",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
	}
}

func (c *SessionCollector) RecordJoin(role domain.Role, reason domain.JoinReason, duration time.Duration) {
	result := "success"
	if reason != "" {
		result = string(reason)
	}
	c.joinsTotal.WithLabelValues(string(role), result).Inc()
	c.joinDuration.WithLabelValues(string(role)).Observe(duration.Seconds())
}

func (c *SessionCollector) RecordCleanup(duration time.Duration, warnings int) {
	c.cleanupsTotal.Inc()
	c.cleanupWarnings.Add(float64(warnings))
	c.cleanupDuration.Observe(duration.Seconds())
}

func (c *SessionCollector) SetActiveSession(role domain.Role, active bool) {
	value := 0.0
	if active {
		value = 1
	}
	c.activeSession.WithLabelValues(string(role)).Set(value)
}

func (c *SessionCollector) SetRemoteParticipants(n int) {
	c.remoteParticipants.Set(float64(n))
}

func (c *SessionCollector) SetReconnecting(reconnecting bool) {
	if reconnecting {
		c.reconnecting.Set(1)
		return
	}
	c.reconnecting.Set(0)
}

func (c *SessionCollector) RecordSubscriptionFailure(media domain.MediaType) {
	c.subscriptionFailures.WithLabelValues(string(media)).Inc()
}
