package metrics_test

import (
	"objcache/internal/metrics"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObjectWritten(10)
	m.ObjectWritten(5)
	m.ObjectRead(metrics.TierCache)
	m.ObjectRead(metrics.TierCold)
	m.ObjectRead(metrics.TierCold)
	m.CacheUsed(42)
	m.SegmentArchived(100)
	m.UploadRetried()

	families, err := reg.Gather()
	require.NoError(t, err, "gather")

	values := make(map[string]float64)
	series := make(map[string]int)
	for _, mf := range families {
		series[mf.GetName()] = len(mf.GetMetric())
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	require.EqualValues(t, 2, values["objcache_writes_total"], "writes")
	require.EqualValues(t, 15, values["objcache_write_bytes_total"], "bytes")
	require.EqualValues(t, 3, values["objcache_reads_total"], "reads")
	require.Equal(t, 2, series["objcache_reads_total"], "one series per tier")
	require.EqualValues(t, 42, values["objcache_cache_bytes"], "cache gauge")
	require.EqualValues(t, 100, values["objcache_archived_bytes_total"], "archived bytes")
	require.EqualValues(t, 1, values["objcache_upload_retries_total"], "retries")
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.ObjectWritten(1)
		m.WriteFailed("allocate")
		m.ObjectRead(metrics.TierMiss)
		m.CacheEvicted()
		m.CacheUsed(1)
		m.SegmentArchived(1)
		m.ArchiveFailed()
		m.UploadRetried()
		m.UploadAborted()
	}, "nil receiver")
}
