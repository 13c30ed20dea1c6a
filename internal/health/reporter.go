// Package health assembles the operational summary served to operators.
package health

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/compaction"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/divergence"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	defaultMaxSnapshotAge = snapshots.DefaultMaxAge
)

// Config describes a Reporter. Only Store is required; missing components
// are omitted from the summary.
type Config struct {
	Store          *updatelog.Store
	Snapshots      *snapshots.Service
	Detector       *divergence.Detector
	Compaction     *compaction.Worker
	Rooms          *rooms.Manager
	Fanout         *fanout.Service
	MaxSnapshotAge time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// LogHealth reports whether the update log answers reads.
type LogHealth struct {
	Operational         bool    `json:"operational"`
	SampleDocumentID    string  `json:"sample_document_id,omitempty"`
	ReplayLatencyMillis float64 `json:"replay_latency_ms"`
	Error               string  `json:"error,omitempty"`
}

// DivergenceHealth summarizes the last scheduled scan.
type DivergenceHealth struct {
	LastScan       *divergence.ScanResult `json:"last_scan,omitempty"`
	DivergenceRate float64                `json:"divergence_rate"`
}

// LiveHealth counts local sessions.
type LiveHealth struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// FanoutHealth reports the cross-instance mode.
type FanoutHealth struct {
	Mode       string `json:"mode"`
	InstanceID string `json:"instance_id"`
}

// Summary is the health document.
type Summary struct {
	Status      string                 `json:"status"`
	GeneratedAt time.Time              `json:"generated_at"`
	Log         LogHealth              `json:"update_log"`
	Snapshots   *snapshots.Staleness   `json:"snapshots,omitempty"`
	Divergence  *DivergenceHealth      `json:"divergence,omitempty"`
	Compaction  *compaction.CycleStats `json:"last_compaction,omitempty"`
	Live        *LiveHealth            `json:"live,omitempty"`
	Fanout      *FanoutHealth          `json:"fanout,omitempty"`
}

// Reporter builds summaries.
type Reporter struct {
	store          *updatelog.Store
	snapshots      *snapshots.Service
	detector       *divergence.Detector
	compaction     *compaction.Worker
	rooms          *rooms.Manager
	fanout         *fanout.Service
	maxSnapshotAge time.Duration
	clock          func() time.Time
	logger         *zap.Logger
}

// NewReporter applies defaults.
func NewReporter(cfg Config) *Reporter {
	reporter := &Reporter{
		store:          cfg.Store,
		snapshots:      cfg.Snapshots,
		detector:       cfg.Detector,
		compaction:     cfg.Compaction,
		rooms:          cfg.Rooms,
		fanout:         cfg.Fanout,
		maxSnapshotAge: cfg.MaxSnapshotAge,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}
	if reporter.maxSnapshotAge <= 0 {
		reporter.maxSnapshotAge = defaultMaxSnapshotAge
	}
	if reporter.clock == nil {
		reporter.clock = time.Now
	}
	if reporter.logger == nil {
		reporter.logger = zap.NewNop()
	}
	return reporter
}

// Summary gathers every section concurrently. A failing section marks the
// summary degraded instead of failing the request.
func (r *Reporter) Summary(ctx context.Context) Summary {
	summary := Summary{Status: StatusOK, GeneratedAt: r.clock().UTC()}

	var group errgroup.Group
	group.Go(func() error {
		summary.Log = r.probeLog(ctx)
		return nil
	})
	if r.snapshots != nil {
		group.Go(func() error {
			staleness, err := r.snapshots.StalenessSummary(ctx, r.maxSnapshotAge)
			if err != nil {
				r.logger.Warn("health snapshot section failed", zap.Error(err))
				return err
			}
			summary.Snapshots = &staleness
			return nil
		})
	}
	sectionsErr := group.Wait()

	if r.detector != nil {
		section := &DivergenceHealth{}
		if scan, ok := r.detector.LastScan(); ok {
			section.LastScan = &scan
			section.DivergenceRate = scan.DivergenceRate()
		}
		summary.Divergence = section
	}
	if r.compaction != nil {
		if cycle, ok := r.compaction.LastCycle(); ok {
			summary.Compaction = &cycle
		}
	}
	if r.rooms != nil {
		summary.Live = &LiveHealth{Rooms: r.rooms.RoomCount(), Connections: r.rooms.ConnectionCount()}
	}
	if r.fanout != nil {
		summary.Fanout = &FanoutHealth{Mode: r.fanout.Mode(), InstanceID: r.fanout.InstanceID()}
	}

	if sectionsErr != nil || !summary.Log.Operational {
		summary.Status = StatusDegraded
	}
	return summary
}

// probeLog replays one document to measure read latency.
func (r *Reporter) probeLog(ctx context.Context) LogHealth {
	if r.store == nil {
		return LogHealth{Error: "update log not configured"}
	}
	documentIDs, err := r.store.DocumentsWithUpdates(ctx, "", 1)
	if err != nil {
		return LogHealth{Error: err.Error()}
	}
	if len(documentIDs) == 0 {
		return LogHealth{Operational: true}
	}
	started := r.clock()
	if _, _, err := r.store.Replay(ctx, documentIDs[0]); err != nil {
		return LogHealth{SampleDocumentID: documentIDs[0], Error: err.Error()}
	}
	return LogHealth{
		Operational:         true,
		SampleDocumentID:    documentIDs[0],
		ReplayLatencyMillis: float64(r.clock().Sub(started).Microseconds()) / 1000,
	}
}
