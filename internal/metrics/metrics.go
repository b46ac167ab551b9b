package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EditMetrics groups the counters exported by the edit pipeline. A nil
// *EditMetrics is valid and records nothing.
type EditMetrics struct {
	EditsTotal     *prometheus.CounterVec // result: accepted|rejected|failed
	PendingRegions *prometheus.GaugeVec   // world
	FlushRegions   *prometheus.CounterVec // world, result: committed|skipped|failed
	CommitSeconds  prometheus.Histogram
	CommitBlocks   prometheus.Counter

	GovernorUsage   prometheus.Gauge
	GovernorLimited prometheus.Gauge

	HistoryOps             *prometheus.CounterVec // op: undo|redo, result: ok|error
	HistoryEvicted         prometheus.Counter
	HistoryArchiveFailures prometheus.Counter
}

func NewEditMetrics(reg prometheus.Registerer) *EditMetrics {
	m := &EditMetrics{
		EditsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxeledit_edits_total",
			Help: "Block edits submitted to a queue by result",
		}, []string{"result"}),
		PendingRegions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxeledit_pending_regions",
			Help: "Change-sets waiting for the next flush",
		}, []string{"world"}),
		FlushRegions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxeledit_flush_regions_total",
			Help: "Regions handled by flush by result",
		}, []string{"world", "result"}),
		CommitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxeledit_commit_duration_seconds",
			Help:    "Time to commit one region change-set",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		CommitBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxeledit_commit_blocks_total",
			Help: "Blocks written to world stores",
		}),
		GovernorUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxeledit_memory_used_ratio",
			Help: "Last memory usage ratio observed by the governor",
		}),
		GovernorLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxeledit_memory_limited",
			Help: "1 while the governor rejects new edits",
		}),
		HistoryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxeledit_history_ops_total",
			Help: "Undo and redo operations by result",
		}, []string{"op", "result"}),
		HistoryEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxeledit_history_evicted_groups_total",
			Help: "History groups evicted by retention",
		}),
		HistoryArchiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxeledit_history_archive_failures_total",
			Help: "Evicted history groups that could not be archived",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EditsTotal, m.PendingRegions, m.FlushRegions, m.CommitSeconds, m.CommitBlocks,
			m.GovernorUsage, m.GovernorLimited,
			m.HistoryOps, m.HistoryEvicted, m.HistoryArchiveFailures,
		)
	}
	return m
}

func (m *EditMetrics) Edit(result string) {
	if m == nil {
		return
	}
	m.EditsTotal.WithLabelValues(result).Inc()
}

func (m *EditMetrics) Pending(world string, n int) {
	if m == nil {
		return
	}
	m.PendingRegions.WithLabelValues(world).Set(float64(n))
}

func (m *EditMetrics) Flushed(world string, committed, skipped, failed int) {
	if m == nil {
		return
	}
	m.FlushRegions.WithLabelValues(world, "committed").Add(float64(committed))
	m.FlushRegions.WithLabelValues(world, "skipped").Add(float64(skipped))
	m.FlushRegions.WithLabelValues(world, "failed").Add(float64(failed))
}

func (m *EditMetrics) Committed(d time.Duration, blocks int) {
	if m == nil {
		return
	}
	m.CommitSeconds.Observe(d.Seconds())
	m.CommitBlocks.Add(float64(blocks))
}

func (m *EditMetrics) Memory(ratio float64, limited bool) {
	if m == nil {
		return
	}
	m.GovernorUsage.Set(ratio)
	if limited {
		m.GovernorLimited.Set(1)
	} else {
		m.GovernorLimited.Set(0)
	}
}

func (m *EditMetrics) History(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.HistoryOps.WithLabelValues(op, result).Inc()
}

func (m *EditMetrics) Evicted(archiveFailed bool) {
	if m == nil {
		return
	}
	m.HistoryEvicted.Inc()
	if archiveFailed {
		m.HistoryArchiveFailures.Inc()
	}
}
