// Package metrics provides Prometheus metrics for the fetcher and gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for one service instance. The fetcher
// and the gateway each create their own registry; the unused collectors of
// the other service simply stay at zero and are never exposed twice.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// Fetcher metrics
	FetchesTotal          *prometheus.CounterVec
	SnapshotsStoredTotal  *prometheus.CounterVec
	ArchiveRotationsTotal prometheus.Counter

	// Push server metrics
	PushSubscribers        prometheus.Gauge
	PushFramesSentTotal    *prometheus.CounterVec
	PushSubscribersDropped prometheus.Counter

	// Gateway metrics
	ConnectedClients    prometheus.Gauge
	BroadcastsTotal     prometheus.Counter
	BroadcastDuration   prometheus.Histogram
	StaticSnapshotsHeld prometheus.Gauge
	FeedUpdatesTotal    *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics with a new registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zetlive_fetches_total",
			Help: "Upstream GTFS fetch attempts by feed and result",
		},
		[]string{"feed", "result"},
	)

	snapshotsStoredTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zetlive_snapshots_stored_total",
			Help: "Archive rows written by kind; dedup rows carry no payload",
		},
		[]string{"kind", "dedup"},
	)

	archiveRotationsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zetlive_archive_rotations_total",
		Help: "Number of times the snapshot archive file was rotated",
	})

	pushSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zetlive_push_subscribers",
		Help: "Currently connected push channel subscribers",
	})

	pushFramesSentTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zetlive_push_frames_sent_total",
			Help: "Frames pushed to subscribers by topic, including replay",
		},
		[]string{"topic"},
	)

	pushSubscribersDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zetlive_push_subscribers_dropped_total",
		Help: "Subscribers dropped after a failed or stalled send",
	})

	connectedClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zetlive_ws_clients",
		Help: "Currently connected map clients",
	})

	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zetlive_broadcasts_total",
		Help: "World model updates fanned out to map clients",
	})

	broadcastDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zetlive_broadcast_duration_seconds",
		Help:    "Wall-clock duration of one fan-out pass over all clients",
		Buckets: prometheus.DefBuckets,
	})

	staticSnapshotsHeld := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zetlive_static_snapshots_held",
		Help: "Static snapshot records currently held in the gateway history",
	})

	feedUpdatesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zetlive_feed_updates_total",
			Help: "Frames received from the fetcher by kind and result",
		},
		[]string{"kind", "result"},
	)

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zetlive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zetlive_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	registry.MustRegister(
		fetchesTotal,
		snapshotsStoredTotal,
		archiveRotationsTotal,
		pushSubscribers,
		pushFramesSentTotal,
		pushSubscribersDropped,
		connectedClients,
		broadcastsTotal,
		broadcastDuration,
		staticSnapshotsHeld,
		feedUpdatesTotal,
		httpRequestsTotal,
		httpRequestDuration,
	)

	return &Metrics{
		Registry:               registry,
		FetchesTotal:           fetchesTotal,
		SnapshotsStoredTotal:   snapshotsStoredTotal,
		ArchiveRotationsTotal:  archiveRotationsTotal,
		PushSubscribers:        pushSubscribers,
		PushFramesSentTotal:    pushFramesSentTotal,
		PushSubscribersDropped: pushSubscribersDropped,
		ConnectedClients:       connectedClients,
		BroadcastsTotal:        broadcastsTotal,
		BroadcastDuration:      broadcastDuration,
		StaticSnapshotsHeld:    staticSnapshotsHeld,
		FeedUpdatesTotal:       feedUpdatesTotal,
		HTTPRequestsTotal:      httpRequestsTotal,
		HTTPRequestDuration:    httpRequestDuration,
	}
}
