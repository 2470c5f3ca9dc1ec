package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	apiLatency           *prometheus.HistogramVec
	cacheWrites          *prometheus.CounterVec
	cacheFallbacks       *prometheus.CounterVec
	mutationsEnqueued    *prometheus.CounterVec
	replays              *prometheus.CounterVec
	drainRuns            *prometheus.CounterVec
	drainDuration        prometheus.Histogram
	drainLastSuccess     prometheus.Gauge
	queueDepth           prometheus.Gauge
	online               prometheus.Gauge
	connectivityChanges  *prometheus.CounterVec
	storeDegraded        prometheus.Gauge
	realtimeConnections  prometheus.Gauge
	realtimeBroadcasts   *prometheus.CounterVec
	realtimeFailures     *prometheus.CounterVec
	realtimeSubscription *prometheus.CounterVec
}

func newCollectors(namespace string) *collectors {
	buckets := prometheus.DefBuckets
	drainBuckets := []float64{
		0.01, 0.05, 0.1, 0.5, 1,
		5, 15, 30, 60, 300,
	}

	return &collectors{
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_latency_seconds",
				Help:      "Agent endpoint latency",
				Buckets:   buckets,
			},
			[]string{"method", "path", "status"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Response cache writes by result",
			},
			[]string{"result"},
		),
		cacheFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_fallbacks_total",
				Help:      "Offline read fallbacks by outcome (hit, miss)",
			},
			[]string{"result"},
		),
		mutationsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_enqueued_total",
				Help:      "Mutations diverted to the offline queue by result",
			},
			[]string{"method", "result"},
		),
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replays_total",
				Help:      "Queued mutation replays by result",
			},
			[]string{"result"},
		),
		drainRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drain_runs_total",
				Help:      "Queue drain executions by result",
			},
			[]string{"result"},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drain_duration_seconds",
				Help:      "Queue drain duration",
				Buckets:   drainBuckets,
			},
		),
		drainLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "drain_last_success_timestamp",
				Help:      "Timestamp of the last fully successful drain (seconds since epoch)",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Mutations waiting in the offline queue",
			},
		),
		online: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online",
				Help:      "1 when the upstream API is reachable",
			},
		),
		connectivityChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connectivity_transitions_total",
				Help:      "Connectivity transitions by target state",
			},
			[]string{"state"},
		),
		storeDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_degraded",
				Help:      "1 when the local store failed to initialise",
			},
		),
		realtimeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realtime_connections",
				Help:      "Active realtime websocket connections",
			},
		),
		realtimeBroadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_broadcasts_total",
				Help:      "Messages broadcast across realtime streams",
			},
			[]string{"stream"},
		),
		realtimeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_failures_total",
				Help:      "Realtime broadcast or subscription failures",
			},
			[]string{"stream", "type"},
		),
		realtimeSubscription: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_subscriptions_total",
				Help:      "Realtime subscribe/unsubscribe events",
			},
			[]string{"stream", "action"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.apiLatency,
		c.cacheWrites,
		c.cacheFallbacks,
		c.mutationsEnqueued,
		c.replays,
		c.drainRuns,
		c.drainDuration,
		c.drainLastSuccess,
		c.queueDepth,
		c.online,
		c.connectivityChanges,
		c.storeDegraded,
		c.realtimeConnections,
		c.realtimeBroadcasts,
		c.realtimeFailures,
		c.realtimeSubscription,
	}
}

// observeDuration records a duration in seconds on the supplied histogram observer.
func observeDuration(observer prometheus.Observer, d time.Duration) {
	if observer == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	observer.Observe(d.Seconds())
}
