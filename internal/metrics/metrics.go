package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-errorwatch/internal/events"
	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/session"
)

const namespace = "mirador_errorwatch"

const (
	// OutcomeAdded labels errors stored under a new fingerprint.
	OutcomeAdded = "added"
	// OutcomeDeduplicated labels errors folded into an existing fingerprint.
	OutcomeDeduplicated = "deduplicated"
	// OutcomeRejected labels errors refused by validation, admission or caps.
	OutcomeRejected = "rejected"
)

var (
	sessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of error sessions created.",
		},
	)

	sessionsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_deleted_total",
			Help:      "Total number of error sessions deleted explicitly or by clear.",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of error sessions evicted after their TTL lapsed.",
		},
	)

	errorsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_ingested_total",
			Help:      "Errors received by sessions, partitioned by error type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	rateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests refused by the rate limiter, partitioned by tier.",
		},
		[]string{"tier"},
	)

	addErrorSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "add_error_seconds",
			Help:      "Latency of folding one error into a session.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
)

// Register attaches errorwatch collectors to the supplied Prometheus
// registerer. activeSessions, when non-nil, backs the active_sessions gauge.
func Register(reg prometheus.Registerer, activeSessions func() float64) error {
	collectors := []prometheus.Collector{
		sessionsCreatedTotal,
		sessionsDeletedTotal,
		sessionsExpiredTotal,
		errorsIngestedTotal,
		rateLimitRejectionsTotal,
		addErrorSeconds,
	}
	if activeSessions != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live error sessions.",
			},
			activeSessions,
		))
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Subscribe counts session lifecycle events published on bus. The returned
// subscriptions can be used to detach the counters again.
func Subscribe(bus *events.Bus) []events.Subscription {
	return []events.Subscription{
		events.On(bus, session.TopicSessionCreated, func(context.Context, session.SessionCreated) error {
			sessionsCreatedTotal.Inc()
			return nil
		}),
		events.On(bus, session.TopicSessionDeleted, func(context.Context, session.SessionDeleted) error {
			sessionsDeletedTotal.Inc()
			return nil
		}),
		events.On(bus, session.TopicSessionsCleared, func(_ context.Context, ev session.SessionsCleared) error {
			sessionsDeletedTotal.Add(float64(ev.Count))
			return nil
		}),
		// Lookup misses also publish session:expired; only evictions count.
		events.On(bus, session.TopicSessionExpired, func(_ context.Context, ev session.SessionExpired) error {
			if ev.Evicted {
				sessionsExpiredTotal.Inc()
			}
			return nil
		}),
		events.On(bus, session.TopicErrorAdded, func(_ context.Context, ev session.ErrorAdded) error {
			ObserveIngest(ev.Error.Type(), OutcomeAdded)
			return nil
		}),
		events.On(bus, session.TopicErrorDeduplicated, func(_ context.Context, ev session.ErrorDeduplicated) error {
			ObserveIngest(ev.Type, OutcomeDeduplicated)
			return nil
		}),
	}
}

// ObserveIngest records one ingested error.
func ObserveIngest(errType models.ErrorType, outcome string) {
	errorsIngestedTotal.WithLabelValues(string(errType), outcome).Inc()
}

// ObserveRateLimited records a request refused by the given tier.
func ObserveRateLimited(tier string) {
	rateLimitRejectionsTotal.WithLabelValues(tier).Inc()
}

// ObserveAddError records how long folding one error took.
func ObserveAddError(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	addErrorSeconds.Observe(duration.Seconds())
}
