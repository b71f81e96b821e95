package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 存储引擎与同步层的 Prometheus 指标。
// 这里只注册收集器，/metrics 端点由上层协议适配器自己暴露。
var (
	ChunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "storage",
		Name:      "chunks_written_total",
		Help:      "New chunks persisted to the backend.",
	})

	ChunksRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "storage",
		Name:      "chunks_read_total",
		Help:      "Chunks fetched from the backend (cache misses included).",
	})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "storage",
		Name:      "dedup_hits_total",
		Help:      "Chunks skipped because an identical chunk already existed.",
	})

	DedupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "storage",
		Name:      "dedup_misses_total",
		Help:      "Chunks that were genuinely new.",
	})

	CompressionRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "silentnas",
		Subsystem: "storage",
		Name:      "compression_ratio",
		Help:      "Per-version raw/stored ratio.",
		Buckets:   []float64{1, 1.2, 1.5, 2, 3, 5, 10, 20},
	})

	HotCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "cache",
		Name:      "hot_chunk_hits_total",
		Help:      "Read-path hits in the in-process hot chunk cache.",
	})

	GCChunksRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "gc",
		Name:      "chunks_removed_total",
		Help:      "Orphan chunks deleted by garbage collection.",
	})

	GCBytesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "gc",
		Name:      "bytes_reclaimed_total",
		Help:      "Stored bytes reclaimed by garbage collection.",
	})

	VersionsCompacted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "versions",
		Name:      "compacted_total",
		Help:      "Versions released by chain compaction.",
	})

	// SyncOperations 按阶段与结果计数: stage=push|pull|compensate, outcome=ok|error|conflict
	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "sync",
		Name:      "operations_total",
		Help:      "Sync operations by stage and outcome.",
	}, []string{"stage", "outcome"})

	SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "sync",
		Name:      "retries_total",
		Help:      "Sync attempts that were retried after a transient failure.",
	})

	FailQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "silentnas",
		Subsystem: "sync",
		Name:      "fail_queue_depth",
		Help:      "Compensation tasks currently queued.",
	})

	ConflictsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "silentnas",
		Subsystem: "sync",
		Name:      "conflicts_recorded_total",
		Help:      "Concurrent updates auto-resolved by LWW and recorded for audit.",
	})
)
