// Package metrics exposes Prometheus counters and gauges for the streaming
// pipeline, the metadata worker, and the sync loop, served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunkFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamvault_chunk_fetches_total",
		Help: "Chunk fetches from the remote store, by outcome.",
	}, []string{"outcome"}) // hit, miss, error

	ChunkCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_chunk_cache_bytes",
		Help: "Current size of the chunk LRU cache in bytes.",
	})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_active_streams",
		Help: "Number of currently active streaming sessions.",
	})

	ActiveTranscodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_active_transcodes",
		Help: "Number of ffmpeg transcode jobs currently running.",
	})

	MetadataWorkerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamvault_metadata_worker_runs_total",
		Help: "Metadata worker processing attempts, by outcome.",
	}, []string{"outcome"}) // enriched, skipped, failed

	MetadataAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamvault_metadata_api_requests_total",
		Help: "Outbound requests to the metadata API, by status class.",
	}, []string{"status_class"})

	SyncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamvault_sync_pass_duration_seconds",
		Help:    "Duration of a full sync/idle loop pass.",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamvault_http_request_duration_seconds",
		Help:    "HTTP handler duration by route and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
