package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type RewardsMetrics struct {
	operations *prometheus.CounterVec
	credited   *prometheus.CounterVec
	debited    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	events     prometheus.Counter
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

// Rewards returns the lazily-initialised ledger metrics registered on the
// default prometheus registry.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_operations_total",
				Help: "Count of ledger operations by kind and outcome code.",
			}, []string{"operation", "outcome"}),
			credited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_units_credited_total",
				Help: "Token units credited to participant balances by operation.",
			}, []string{"operation"}),
			debited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_units_debited_total",
				Help: "Token units debited from participant balances by operation.",
			}, []string{"operation"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rewards_operation_seconds",
				Help:    "Wall time spent applying a ledger operation, including lock waits.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			events: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_events_committed_total",
				Help: "Number of events appended to the ledger event log.",
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.operations,
			rewardsRegistry.credited,
			rewardsRegistry.debited,
			rewardsRegistry.latency,
			rewardsRegistry.events,
		)
	})
	return rewardsRegistry
}

func (m *RewardsMetrics) ObserveOperation(operation, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(took.Seconds())
}

func (m *RewardsMetrics) AddCredited(operation string, units uint64) {
	if m == nil || units == 0 {
		return
	}
	m.credited.WithLabelValues(operation).Add(float64(units))
}

func (m *RewardsMetrics) AddDebited(operation string, units uint64) {
	if m == nil || units == 0 {
		return
	}
	m.debited.WithLabelValues(operation).Add(float64(units))
}

func (m *RewardsMetrics) AddEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.Add(float64(n))
}
