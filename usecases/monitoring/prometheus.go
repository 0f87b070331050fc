//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds every collector of the storage core. All helper
// methods are safe to call on a nil receiver, which is how metrics are
// disabled.
type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	WALAppends            *prometheus.CounterVec
	WALBytesWritten       prometheus.Counter
	WALFsyncDurations     prometheus.Histogram
	WALSegmentRotations   prometheus.Counter
	WALArchivedSegments   prometheus.Gauge
	WALArchiveSize        prometheus.Gauge
	WALCompressedSegments prometheus.Counter
	WALReadBytes          *prometheus.CounterVec
	WALToleratedGaps      prometheus.Counter

	CheckpointDurations    *prometheus.HistogramVec
	CheckpointPagesWritten prometheus.Counter
	Checkpoints            *prometheus.CounterVec

	PageMemoryLoadedPages prometheus.Gauge
	PageMemoryDirtyPages  prometheus.Gauge
	PageMemoryEvictions   prometheus.Counter
	PageStoreIO           *prometheus.CounterVec

	RecoveryDuration prometheus.Gauge
	RecoveryRecords  *prometheus.CounterVec
}

// NewPrometheusMetrics registers all collectors with reg. Pass
// NoopRegisterer() to get working collectors which are not exported.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = noop
	}
	f := promauto.With(reg)

	return &PrometheusMetrics{
		Registerer: reg,

		WALAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_wal_appends_total",
			Help: "Number of records appended to the write-ahead log by type",
		}, []string{"record_type"}),
		WALBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_wal_bytes_written_total",
			Help: "Bytes written to WAL segments",
		}),
		WALFsyncDurations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridstore_wal_fsync_duration_seconds",
			Help:    "Duration of WAL fsync calls",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		WALSegmentRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_wal_segment_rotations_total",
			Help: "Number of times the active WAL segment was sealed",
		}),
		WALArchivedSegments: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridstore_wal_archived_segments",
			Help: "Number of segments currently in the WAL archive",
		}),
		WALArchiveSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridstore_wal_archive_size_bytes",
			Help: "Size of the WAL archive on disk",
		}),
		WALCompressedSegments: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_wal_compressed_segments_total",
			Help: "Number of archived segments replaced by a compressed copy",
		}),
		WALReadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_wal_read_bytes_total",
			Help: "Bytes read from WAL segments by directory",
		}, []string{"dir"}),
		WALToleratedGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_wal_tolerated_gaps_total",
			Help: "Corrupt WAL regions skipped under the tolerate policy",
		}),

		CheckpointDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridstore_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint phases",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
		CheckpointPagesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_checkpoint_pages_written_total",
			Help: "Pages written to the page store by checkpoints",
		}),
		Checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_checkpoints_total",
			Help: "Finished checkpoints by outcome",
		}, []string{"status"}),

		PageMemoryLoadedPages: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridstore_page_memory_loaded_pages",
			Help: "Pages currently held in page memory",
		}),
		PageMemoryDirtyPages: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridstore_page_memory_dirty_pages",
			Help: "Pages modified since they were last checkpointed",
		}),
		PageMemoryEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "gridstore_page_memory_evictions_total",
			Help: "Clean pages dropped from page memory",
		}),
		PageStoreIO: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_page_store_io_bytes_total",
			Help: "Bytes read from and written to page store files",
		}, []string{"operation"}),

		RecoveryDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridstore_recovery_duration_seconds",
			Help: "Duration of the last startup recovery",
		}),
		RecoveryRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_recovery_records_total",
			Help: "WAL records replayed during recovery by type",
		}, []string{"record_type"}),
	}
}

func NoopRegisterer() prometheus.Registerer {
	return noop
}

func (pm *PrometheusMetrics) TrackWALAppend(recordType string, size int) {
	if pm == nil {
		return
	}

	pm.WALAppends.With(prometheus.Labels{"record_type": recordType}).Inc()
	pm.WALBytesWritten.Add(float64(size))
}

func (pm *PrometheusMetrics) TrackWALFsync(start time.Time) {
	if pm == nil {
		return
	}

	pm.WALFsyncDurations.Observe(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) TrackSegmentRotation() {
	if pm == nil {
		return
	}

	pm.WALSegmentRotations.Inc()
}

func (pm *PrometheusMetrics) SetArchive(segments int, size int64) {
	if pm == nil {
		return
	}

	pm.WALArchivedSegments.Set(float64(segments))
	pm.WALArchiveSize.Set(float64(size))
}

func (pm *PrometheusMetrics) TrackSegmentCompressed() {
	if pm == nil {
		return
	}

	pm.WALCompressedSegments.Inc()
}

// WALReadCallback returns a callback suitable for diskio.MeteredReader.
func (pm *PrometheusMetrics) WALReadCallback(dir string) func(read int64, ns int64) {
	if pm == nil {
		return nil
	}

	c := pm.WALReadBytes.With(prometheus.Labels{"dir": dir})
	return func(read int64, _ int64) {
		c.Add(float64(read))
	}
}

func (pm *PrometheusMetrics) TrackToleratedGap() {
	if pm == nil {
		return
	}

	pm.WALToleratedGaps.Inc()
}

func (pm *PrometheusMetrics) TrackCheckpointPhase(phase string, start time.Time) {
	if pm == nil {
		return
	}

	pm.CheckpointDurations.With(prometheus.Labels{"phase": phase}).
		Observe(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) TrackCheckpointPages(n int) {
	if pm == nil {
		return
	}

	pm.CheckpointPagesWritten.Add(float64(n))
}

func (pm *PrometheusMetrics) TrackCheckpoint(status string) {
	if pm == nil {
		return
	}

	pm.Checkpoints.With(prometheus.Labels{"status": status}).Inc()
}

func (pm *PrometheusMetrics) SetPageMemory(loaded, dirty int) {
	if pm == nil {
		return
	}

	pm.PageMemoryLoadedPages.Set(float64(loaded))
	pm.PageMemoryDirtyPages.Set(float64(dirty))
}

func (pm *PrometheusMetrics) TrackEviction() {
	if pm == nil {
		return
	}

	pm.PageMemoryEvictions.Inc()
}

func (pm *PrometheusMetrics) PageStoreReadCallback() func(read int64, ns int64) {
	if pm == nil {
		return nil
	}

	c := pm.PageStoreIO.With(prometheus.Labels{"operation": "read"})
	return func(read int64, _ int64) {
		c.Add(float64(read))
	}
}

func (pm *PrometheusMetrics) PageStoreWriteCallback() func(written int64) {
	if pm == nil {
		return nil
	}

	c := pm.PageStoreIO.With(prometheus.Labels{"operation": "write"})
	return func(written int64) {
		c.Add(float64(written))
	}
}

func (pm *PrometheusMetrics) TrackRecovery(start time.Time) {
	if pm == nil {
		return
	}

	pm.RecoveryDuration.Set(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) TrackRecoveredRecord(recordType string) {
	if pm == nil {
		return
	}

	pm.RecoveryRecords.With(prometheus.Labels{"record_type": recordType}).Inc()
}
