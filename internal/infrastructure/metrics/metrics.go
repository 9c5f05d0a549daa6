package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// Offline exports cache and sync measurements to prometheus.
type Offline struct {
	cacheLookups     *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	drainDuration    *prometheus.HistogramVec
	queuePending     prometheus.Gauge
	queueDead        prometheus.Gauge
}

var _ ports.OfflineMetrics = (*Offline)(nil)

// NewRegistry returns a registry whose collectors are all prefixed civicsync_.
func NewRegistry() (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	return reg, prometheus.WrapRegistererWithPrefix("civicsync_", reg)
}

func NewOffline(reg prometheus.Registerer) (*Offline, error) {
	m := &Offline{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Gateway reads by outcome (remote, fallback_hit, offline_hit, offline_miss).",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_dispatch_total",
			Help: "Queued action replays by kind and outcome.",
		}, []string{"kind", "ok"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_dispatch_duration_seconds",
			Help:    "Duration of a single queued action replay.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		drainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_drain_duration_seconds",
			Help:    "Duration of a full queue drain pass.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"trigger"}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_pending",
			Help: "Queued actions still eligible for automatic replay.",
		}),
		queueDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_dead_letters",
			Help: "Queued actions past the retry ceiling.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.cacheLookups, m.dispatches, m.dispatchDuration, m.drainDuration, m.queuePending, m.queueDead,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errs.Wrap(err, "register offline metrics")
		}
	}
	return m, nil
}

func (m *Offline) ObserveCacheLookup(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Offline) ObserveDispatch(kind string, ok bool, elapsed time.Duration) {
	m.dispatches.WithLabelValues(kind, strconv.FormatBool(ok)).Inc()
	m.dispatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Offline) ObserveDrain(trigger string, elapsed time.Duration) {
	m.drainDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

func (m *Offline) SetQueueDepth(pending int, deadLetters int) {
	m.queuePending.Set(float64(pending))
	m.queueDead.Set(float64(deadLetters))
}
