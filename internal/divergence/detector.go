// Package divergence compares each document's flattened state with the state
// derived from its update log, grades any drift, and repairs it from the log.
package divergence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RepairStrategy selects which representation wins a repair.
type RepairStrategy string

const (
	StrategyPreferSource    RepairStrategy = "prefer_source"
	StrategyPreferFlattened RepairStrategy = "prefer_flattened"
	StrategyNoRepair        RepairStrategy = "no_repair"
)

const (
	repairActor = "divergence_repair"

	opCheck     = "divergence.check_consistency"
	opRepair    = "divergence.auto_repair"
	opScan      = "divergence.scan_all"
	opRun       = "divergence.run"
	reasonQuery = "query_failed"
	reasonCheck = "check_failed"
	reasonPanic = "panic"

	outcomeConsistent = "already_consistent"
	outcomeRepaired   = "repaired"
	outcomeFailed     = "failed"
	outcomeSkipped    = "skipped"

	// DefaultBatchSize bounds the documents listed per page during scans.
	DefaultBatchSize = 100
)

var (
	// ErrUnsupportedRepairStrategy rejects strategies that would discard CRDT
	// history or that are unknown.
	ErrUnsupportedRepairStrategy = errors.New("divergence: unsupported repair strategy")
	// ErrRepairNotConverged reports a repair whose re-check still diverges.
	ErrRepairNotConverged = errors.New("divergence: repair did not converge")

	errMissingDatabase    = errors.New("divergence: database handle is required")
	errMissingStore       = errors.New("divergence: update log store is required")
	errMissingSnapshotter = errors.New("divergence: snapshotter is required")
)

// Snapshotter rewrites a document's flattened state from its log.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, documentID, source, createdBy string) (snapshots.SnapshotMetadata, error)
}

// Config describes the dependencies of a Detector.
type Config struct {
	Database    *gorm.DB
	Store       *updatelog.Store
	Snapshotter Snapshotter
	Clock       func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Collab
	BatchSize   int
}

// Detector checks and repairs documents.
type Detector struct {
	db          *gorm.DB
	store       *updatelog.Store
	snapshotter Snapshotter
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Collab
	batchSize   int

	mu       sync.Mutex
	lastScan *ScanResult
}

// NewDetector validates the configuration and returns a Detector.
func NewDetector(cfg Config) (*Detector, error) {
	switch {
	case cfg.Database == nil:
		return nil, errMissingDatabase
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Snapshotter == nil:
		return nil, errMissingSnapshotter
	}
	detector := &Detector{
		db:          cfg.Database,
		store:       cfg.Store,
		snapshotter: cfg.Snapshotter,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		batchSize:   cfg.BatchSize,
	}
	if detector.clock == nil {
		detector.clock = time.Now
	}
	if detector.logger == nil {
		detector.logger = zap.NewNop()
	}
	if detector.batchSize <= 0 {
		detector.batchSize = DefaultBatchSize
	}
	return detector, nil
}

// ParseStrategy maps a wire value to a RepairStrategy.
func ParseStrategy(raw string) (RepairStrategy, error) {
	switch strategy := RepairStrategy(raw); strategy {
	case StrategyPreferSource, StrategyPreferFlattened, StrategyNoRepair:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRepairStrategy, raw)
	}
}

// CheckConsistency compares the flattened state with the log-derived state.
// A document with no updates is consistent.
func (d *Detector) CheckConsistency(ctx context.Context, documentID string) (Report, error) {
	now := d.clock().UTC()
	report := Report{
		DocumentID:        documentID,
		Severity:          SeverityNone,
		RecommendedAction: ActionNone,
		CheckedAt:         now,
	}

	replayed, exists, err := d.store.Replay(ctx, documentID)
	if err != nil {
		d.logError(opCheck, reasonCheck, err, zap.String("document_id", documentID))
		return Report{}, err
	}
	if !exists {
		d.metrics.ConsistencyChecked(string(report.Severity))
		return report, nil
	}
	source := replayed.Content()
	sourceChecksum, _, err := snapshots.Checksum(source)
	if err != nil {
		return Report{}, err
	}
	report.SourceCount = source.Len()
	report.SourceChecksum = sourceChecksum

	var record documents.Document
	err = d.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&record).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		d.logError(opCheck, reasonQuery, err, zap.String("document_id", documentID))
		return Report{}, err
	}
	latest, _, err := d.store.LatestUpdate(ctx, documentID)
	if err != nil {
		d.logError(opCheck, reasonQuery, err, zap.String("document_id", documentID))
		return Report{}, err
	}
	if record.PendingImport(latest.CreatedAtMillis, true) {
		// The import is seeded into the log by the next session.
		report.PendingImport = true
		report.RecommendedAction = ActionAwaitHydration
		d.metrics.ConsistencyChecked(string(report.Severity))
		return report, nil
	}

	flattened, flattenedErr := record.Flattened()
	hasSnapshot := flattenedErr == nil
	if flattenedErr != nil && !errors.Is(flattenedErr, documents.ErrNoFlattenedState) {
		// Undecodable content is treated as absent and graded accordingly.
		d.logError(opCheck, reasonCheck, flattenedErr, zap.String("document_id", documentID))
	}

	var snapshotAge time.Duration
	if hasSnapshot {
		flattenedChecksum, _, err := snapshots.Checksum(flattened.Content)
		if err != nil {
			return Report{}, err
		}
		report.FlattenedCount = flattened.Content.Len()
		report.FlattenedChecksum = flattenedChecksum
		snapshotAge = now.Sub(flattened.SnapshotAt)
		if snapshotAge < 0 {
			snapshotAge = 0
		}
		ageSeconds := snapshotAge.Seconds()
		report.SnapshotAgeSeconds = &ageSeconds
		if flattenedChecksum == sourceChecksum {
			d.metrics.ConsistencyChecked(string(report.Severity))
			return report, nil
		}
	}

	diff := compareBlocks(source.Blocks, flattened.Content.Blocks)
	report.Diverged = true
	report.Diff = &diff
	report.Severity = ClassifySeverity(snapshotAge, hasSnapshot, diff.MismatchPercent, diff.BlockCountDelta)
	report.RecommendedAction = recommendedAction(report.Severity)
	d.metrics.ConsistencyChecked(string(report.Severity))
	d.logger.Warn("document diverged",
		zap.String("document_id", documentID),
		zap.String("severity", string(report.Severity)),
		zap.Int("mismatched_blocks", diff.Mismatched),
		zap.Int("block_count_delta", diff.BlockCountDelta))
	return report, nil
}

// AutoRepair applies the strategy. prefer_source re-snapshots a diverged
// document from its log and succeeds only when a re-check is consistent.
// no_repair and a pending import return false. prefer_flattened is refused.
func (d *Detector) AutoRepair(ctx context.Context, documentID string, strategy RepairStrategy) (bool, error) {
	switch strategy {
	case StrategyNoRepair:
		d.metrics.Repair(outcomeSkipped)
		return false, nil
	case StrategyPreferSource:
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedRepairStrategy, strategy)
	}

	before, err := d.CheckConsistency(ctx, documentID)
	if err != nil {
		return false, err
	}
	if before.PendingImport {
		d.metrics.Repair(outcomeSkipped)
		return false, nil
	}
	if !before.Diverged {
		d.metrics.Repair(outcomeConsistent)
		return true, nil
	}

	if _, err := d.snapshotter.CreateSnapshot(ctx, documentID, documents.SourceCRDT, repairActor); err != nil {
		d.metrics.Repair(outcomeFailed)
		d.logError(opRepair, "snapshot_failed", err, zap.String("document_id", documentID))
		return false, err
	}
	after, err := d.CheckConsistency(ctx, documentID)
	if err != nil {
		d.metrics.Repair(outcomeFailed)
		return false, err
	}
	if after.Diverged {
		d.metrics.Repair(outcomeFailed)
		d.logError(opRepair, "not_converged", ErrRepairNotConverged,
			zap.String("document_id", documentID),
			zap.String("severity", string(after.Severity)))
		return false, fmt.Errorf("%w: %s still %s", ErrRepairNotConverged, documentID, after.Severity)
	}
	d.metrics.Repair(outcomeRepaired)
	d.logger.Info("document repaired",
		zap.String("document_id", documentID),
		zap.String("previous_severity", string(before.Severity)))
	return true, nil
}

// ScanAll checks every document that has updates. Per-document failures are
// counted and the scan continues.
func (d *Detector) ScanAll(ctx context.Context) (BatchStats, error) {
	return d.walk(ctx, func(ctx context.Context, documentID string, stats *BatchStats) {
		report, err := d.CheckConsistency(ctx, documentID)
		if err != nil {
			stats.Failed++
			return
		}
		if report.Diverged {
			stats.Diverged++
		}
	})
}

// RepairAll checks every document and repairs the diverged ones with the
// strategy.
func (d *Detector) RepairAll(ctx context.Context, strategy RepairStrategy) (BatchStats, error) {
	if strategy != StrategyPreferSource && strategy != StrategyNoRepair {
		return BatchStats{}, fmt.Errorf("%w: %s", ErrUnsupportedRepairStrategy, strategy)
	}
	return d.walk(ctx, func(ctx context.Context, documentID string, stats *BatchStats) {
		report, err := d.CheckConsistency(ctx, documentID)
		if err != nil {
			stats.Failed++
			return
		}
		if !report.Diverged {
			return
		}
		stats.Diverged++
		repaired, err := d.AutoRepair(ctx, documentID, strategy)
		switch {
		case err != nil:
			stats.Failed++
		case repaired:
			stats.Repaired++
		}
	})
}

func (d *Detector) walk(ctx context.Context, visit func(context.Context, string, *BatchStats)) (BatchStats, error) {
	var stats BatchStats
	after := ""
	for {
		documentIDs, err := d.store.DocumentsWithUpdates(ctx, after, d.batchSize)
		if err != nil {
			d.logError(opScan, reasonQuery, err)
			return stats, err
		}
		for _, documentID := range documentIDs {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Scanned++
			visit(ctx, documentID, &stats)
		}
		if len(documentIDs) < d.batchSize {
			return stats, nil
		}
		after = documentIDs[len(documentIDs)-1]
	}
}

// Run scans every interval until ctx is cancelled, repairing diverged
// documents from their logs when autoRepair is set.
func (d *Detector) Run(ctx context.Context, interval time.Duration, autoRepair bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanRound(ctx, autoRepair)
		}
	}
}

func (d *Detector) scanRound(ctx context.Context, autoRepair bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logError(opRun, reasonPanic, fmt.Errorf("%v", recovered))
		}
	}()
	var (
		stats BatchStats
		err   error
	)
	if autoRepair {
		stats, err = d.RepairAll(ctx, StrategyPreferSource)
	} else {
		stats, err = d.ScanAll(ctx)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logError(opRun, reasonCheck, err)
		}
		return
	}
	result := ScanResult{BatchStats: stats, FinishedAt: d.clock().UTC()}
	d.mu.Lock()
	d.lastScan = &result
	d.mu.Unlock()
	d.logger.Info("divergence scan finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("diverged", stats.Diverged),
		zap.Int("repaired", stats.Repaired),
		zap.Int("failed", stats.Failed))
}

// LastScan returns the result of the most recent scheduled scan.
func (d *Detector) LastScan() (ScanResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastScan == nil {
		return ScanResult{}, false
	}
	return *d.lastScan, true
}

func (d *Detector) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("divergence detector error", attrs...)
}
