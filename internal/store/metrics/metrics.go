// Package metrics declares the store's prometheus collectors, in the style
// of go.gazette.dev/core/metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors of the message store.
var (
	PublishTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_publish_total",
		Help: "Cumulative number of publish operations applied.",
	})
	DeliverTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_deliver_total",
		Help: "Cumulative number of deliver operations applied.",
	})
	AckTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_ack_total",
		Help: "Cumulative number of message acknowledgements applied.",
	})
	FsyncTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_fsync_total",
		Help: "Cumulative number of fsyncs of the current append segment.",
	})
	FsyncSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_fsync_seconds_total",
		Help: "Cumulative seconds spent in fsync of the current append segment.",
	})
	SegmentsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_segments_created_total",
		Help: "Cumulative number of segment files created.",
	})
	SegmentsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_segments_deleted_total",
		Help: "Cumulative number of segment files deleted (emptied or absorbed).",
	})
	CompactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_compactions_total",
		Help: "Cumulative number of segment-pair combine operations performed.",
	})
	CompactionBytesCopiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_compaction_bytes_copied_total",
		Help: "Cumulative number of live-record bytes copied by the compactor.",
	})
	CacheHitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_cache_hit_total",
		Help: "Cumulative number of message payload cache hits on deliver.",
	})
	CacheMissTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "axiomq_store_cache_miss_total",
		Help: "Cumulative number of message payload cache misses on deliver.",
	})
	ReportedBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "axiomq_store_reported_bytes",
		Help: "Most recently reported in-memory byte usage of the store.",
	})
)

// Collectors returns every collector declared above, for registration via
// prometheus.MustRegister(metrics.Collectors()...).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PublishTotal,
		DeliverTotal,
		AckTotal,
		FsyncTotal,
		FsyncSecondsTotal,
		SegmentsCreatedTotal,
		SegmentsDeletedTotal,
		CompactionsTotal,
		CompactionBytesCopiedTotal,
		CacheHitTotal,
		CacheMissTotal,
		ReportedBytesGauge,
	}
}
