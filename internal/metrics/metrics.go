// Package metrics holds the prometheus collectors of the cache service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Read sources.
const (
	TierCache   = "cache"
	TierSegment = "segment"
	TierCold    = "cold"
	TierMiss    = "miss"
)

type Metrics struct {
	writesTotal      prometheus.Counter
	writeBytes       prometheus.Counter
	writeErrors      *prometheus.CounterVec
	readsTotal       *prometheus.CounterVec
	cacheEvictions   prometheus.Counter
	cacheBytes       prometheus.Gauge
	segmentsArchived prometheus.Counter
	archivedBytes    prometheus.Counter
	archiveFailures  prometheus.Counter
	uploadRetries    prometheus.Counter
	uploadAborts     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_writes_total",
			Help: "Total number of objects written",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_write_bytes_total",
			Help: "Compressed bytes appended to segments",
		}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "objcache_write_errors_total",
			Help: "Failed writes by stage",
		}, []string{"stage"}), // compress, allocate, append
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "objcache_reads_total",
			Help: "Reads by the tier that served them",
		}, []string{"tier"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_cache_evictions_total",
			Help: "Entries evicted from the local cache",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "objcache_cache_bytes",
			Help: "Bytes currently held by the local cache",
		}),
		segmentsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_segments_archived_total",
			Help: "Segments uploaded to the cold tier and removed locally",
		}),
		archivedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_archived_bytes_total",
			Help: "Segment bytes uploaded to the cold tier",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_archive_failures_total",
			Help: "Segments whose archival failed",
		}),
		uploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_upload_retries_total",
			Help: "Retried multipart upload calls",
		}),
		uploadAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "objcache_upload_aborts_total",
			Help: "Aborted multipart uploads",
		}),
	}

	reg.MustRegister(
		m.writesTotal,
		m.writeBytes,
		m.writeErrors,
		m.readsTotal,
		m.cacheEvictions,
		m.cacheBytes,
		m.segmentsArchived,
		m.archivedBytes,
		m.archiveFailures,
		m.uploadRetries,
		m.uploadAborts,
	)
	return m
}

func (m *Metrics) ObjectWritten(bytes int) {
	if m == nil {
		return
	}
	m.writesTotal.Inc()
	m.writeBytes.Add(float64(bytes))
}

func (m *Metrics) WriteFailed(stage string) {
	if m == nil {
		return
	}
	m.writeErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObjectRead(tier string) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) CacheEvicted() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *Metrics) CacheUsed(bytes int64) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(bytes))
}

// SegmentArchived and ArchiveFailed make Metrics an archive.Observer.
func (m *Metrics) SegmentArchived(bytes int64) {
	if m == nil {
		return
	}
	m.segmentsArchived.Inc()
	m.archivedBytes.Add(float64(bytes))
}

func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	m.archiveFailures.Inc()
}

// UploadRetried and UploadAborted make Metrics a coldtier.Observer.
func (m *Metrics) UploadRetried() {
	if m == nil {
		return
	}
	m.uploadRetries.Inc()
}

func (m *Metrics) UploadAborted() {
	if m == nil {
		return
	}
	m.uploadAborts.Inc()
}
