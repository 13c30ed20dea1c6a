// Package metrics defines the Prometheus instruments of the collaboration
// backend.
//
// Every method is safe to call on a nil *Collab, so components accept an
// optional metrics handle without guarding each call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "scriptroom"

	subsystemSync       = "sync"
	subsystemStorage    = "storage"
	subsystemCompaction = "compaction"
	subsystemSnapshots  = "snapshots"
	subsystemDivergence = "divergence"
	subsystemFanout     = "fanout"
)

// Collab holds the metrics of every collaboration component.
type Collab struct {
	// ActiveConnections tracks open sync sessions.
	ActiveConnections prometheus.Gauge
	// ActiveRooms tracks documents with at least one local connection.
	ActiveRooms prometheus.Gauge
	// FramesTotal counts inbound frames. Labels: type.
	FramesTotal *prometheus.CounterVec
	// ProtocolErrorsTotal counts frames rejected by the decoder.
	ProtocolErrorsTotal prometheus.Counter
	// ClosesTotal counts closed sessions. Labels: code.
	ClosesTotal *prometheus.CounterVec
	// BroadcastFailuresTotal counts peers dropped during broadcast.
	BroadcastFailuresTotal prometheus.Counter

	// PersistFailuresTotal counts live updates that were not made durable.
	PersistFailuresTotal prometheus.Counter
	// ReplayDurationSeconds measures log replay latency.
	ReplayDurationSeconds prometheus.Histogram

	// CompactionRunsTotal counts compaction cycles. Labels: status.
	CompactionRunsTotal *prometheus.CounterVec
	// CompactedUpdatesTotal counts originals merged into compacted rows.
	CompactedUpdatesTotal prometheus.Counter
	// PrunedUpdatesTotal counts originals physically deleted by retention.
	PrunedUpdatesTotal prometheus.Counter

	// SnapshotsCreatedTotal counts snapshots. Labels: source.
	SnapshotsCreatedTotal *prometheus.CounterVec
	// SnapshotDurationSeconds measures snapshot generation time.
	SnapshotDurationSeconds prometheus.Histogram

	// ConsistencyChecksTotal counts checks. Labels: severity.
	ConsistencyChecksTotal *prometheus.CounterVec
	// RepairsTotal counts repairs. Labels: outcome.
	RepairsTotal *prometheus.CounterVec

	// FanoutMessagesTotal counts relayed messages. Labels: direction, channel.
	FanoutMessagesTotal *prometheus.CounterVec
	// FanoutErrorsTotal counts publish or delivery failures. Labels: direction.
	FanoutErrorsTotal *prometheus.CounterVec
}

// NewCollab registers every instrument on the provided registerer.
func NewCollab(registerer prometheus.Registerer) *Collab {
	factory := promauto.With(registerer)
	return &Collab{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSync,
			Name:      "active_connections",
			Help:      "Number of open sync sessions.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSync,
			Name:      "active_rooms",
			Help:      "Number of documents with at least one local connection.",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSync,
			Name:      "frames_total",
			Help:      "Inbound frames by message type.",
		}, []string{"type"}),
		ProtocolErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSync,
			Name:      "protocol_errors_total",
			Help:      "Frames rejected by the decoder.",
		}),
		ClosesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSync,
			Name:      "closes_total",
			Help:      "Closed sessions by close code.",
		}, []string{"code"}),
		BroadcastFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSync,
			Name:      "broadcast_failures_total",
			Help:      "Peers dropped because a broadcast send failed.",
		}),
		PersistFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemStorage,
			Name:      "persist_failures_total",
			Help:      "Live updates broadcast without being persisted.",
		}),
		ReplayDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemStorage,
			Name:      "replay_duration_seconds",
			Help:      "Time spent replaying a document log.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		CompactionRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemCompaction,
			Name:      "runs_total",
			Help:      "Compaction cycles by status.",
		}, []string{"status"}),
		CompactedUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemCompaction,
			Name:      "merged_updates_total",
			Help:      "Original updates merged into compacted rows.",
		}),
		PrunedUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemCompaction,
			Name:      "pruned_updates_total",
			Help:      "Merged originals deleted by retention cleanup.",
		}),
		SnapshotsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSnapshots,
			Name:      "created_total",
			Help:      "Snapshots created by source.",
		}, []string{"source"}),
		SnapshotDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemSnapshots,
			Name:      "generation_duration_seconds",
			Help:      "Time spent generating a snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ConsistencyChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemDivergence,
			Name:      "checks_total",
			Help:      "Consistency checks by severity.",
		}, []string{"severity"}),
		RepairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemDivergence,
			Name:      "repairs_total",
			Help:      "Repair attempts by outcome.",
		}, []string{"outcome"}),
		FanoutMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemFanout,
			Name:      "messages_total",
			Help:      "Cross-instance messages by direction and channel.",
		}, []string{"direction", "channel"}),
		FanoutErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemFanout,
			Name:      "errors_total",
			Help:      "Cross-instance publish or delivery failures.",
		}, []string{"direction"}),
	}
}

func (m *Collab) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Collab) ConnectionClosed(code string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.ClosesTotal.WithLabelValues(code).Inc()
}

func (m *Collab) SetActiveRooms(count int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(count))
}

func (m *Collab) Frame(messageType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(messageType).Inc()
}

func (m *Collab) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.Inc()
}

func (m *Collab) BroadcastFailure() {
	if m == nil {
		return
	}
	m.BroadcastFailuresTotal.Inc()
}

func (m *Collab) PersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailuresTotal.Inc()
}

func (m *Collab) ObserveReplay(duration time.Duration) {
	if m == nil {
		return
	}
	m.ReplayDurationSeconds.Observe(duration.Seconds())
}

func (m *Collab) CompactionCycle(status string, merged int, pruned int64) {
	if m == nil {
		return
	}
	m.CompactionRunsTotal.WithLabelValues(status).Inc()
	m.CompactedUpdatesTotal.Add(float64(merged))
	m.PrunedUpdatesTotal.Add(float64(pruned))
}

func (m *Collab) SnapshotCreated(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotsCreatedTotal.WithLabelValues(source).Inc()
	m.SnapshotDurationSeconds.Observe(duration.Seconds())
}

func (m *Collab) ConsistencyChecked(severity string) {
	if m == nil {
		return
	}
	m.ConsistencyChecksTotal.WithLabelValues(severity).Inc()
}

func (m *Collab) Repair(outcome string) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(outcome).Inc()
}

func (m *Collab) FanoutMessage(direction, channel string) {
	if m == nil {
		return
	}
	m.FanoutMessagesTotal.WithLabelValues(direction, channel).Inc()
}

func (m *Collab) FanoutError(direction string) {
	if m == nil {
		return
	}
	m.FanoutErrorsTotal.WithLabelValues(direction).Inc()
}
