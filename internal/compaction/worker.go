// Package compaction merges old update log rows into single equivalent
// updates and prunes merged originals once they leave the retention window.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"go.uber.org/zap"
)

const (
	// DefaultMinUpdateCount is the number of qualifying rows a document needs
	// before it is compacted.
	DefaultMinUpdateCount = 100
	// DefaultAge is how old a row must be before it qualifies.
	DefaultAge = 24 * time.Hour
	// DefaultRetention is how long merged originals are kept for audit.
	DefaultRetention = 30 * 24 * time.Hour

	defaultBatchSize            = 50
	defaultMaxDocumentsPerCycle = 500

	opCompactDocument = "compaction.compact_document"
	opRunCycle        = "compaction.run_cycle"
	opRetention       = "compaction.retention"

	reasonMergeApplyFailed = "merge_apply_failed"
	reasonEncodeFailed     = "encode_failed"
	reasonCompactFailed    = "compact_failed"
	reasonCandidatesFailed = "candidates_failed"
	reasonPruneFailed      = "prune_failed"
	reasonPanic            = "panic"

	statusOK      = "ok"
	statusPartial = "partial"
	statusFailed  = "failed"
)

var errMissingStore = errors.New("compaction: update log store is required")

// Config describes a Worker.
type Config struct {
	Store                *updatelog.Store
	Clock                func() time.Time
	Logger               *zap.Logger
	Metrics              *metrics.Collab
	MinUpdateCount       int
	Age                  time.Duration
	Retention            time.Duration
	BatchSize            int
	MaxDocumentsPerCycle int
}

// CycleStats summarizes one compaction cycle.
type CycleStats struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Candidates    int       `json:"candidates"`
	Compacted     int       `json:"compacted_documents"`
	MergedUpdates int       `json:"merged_updates"`
	Failed        int       `json:"failed"`
	Pruned        int64     `json:"pruned_updates"`
	PruneFailed   int       `json:"prune_failed"`
}

// Worker runs compaction cycles against the update log.
type Worker struct {
	store                *updatelog.Store
	clock                func() time.Time
	logger               *zap.Logger
	metrics              *metrics.Collab
	minUpdateCount       int
	age                  time.Duration
	retention            time.Duration
	batchSize            int
	maxDocumentsPerCycle int

	mu        sync.Mutex
	lastCycle *CycleStats
}

// NewWorker applies defaults to unset fields and returns a Worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	worker := &Worker{
		store:                cfg.Store,
		clock:                cfg.Clock,
		logger:               cfg.Logger,
		metrics:              cfg.Metrics,
		minUpdateCount:       cfg.MinUpdateCount,
		age:                  cfg.Age,
		retention:            cfg.Retention,
		batchSize:            cfg.BatchSize,
		maxDocumentsPerCycle: cfg.MaxDocumentsPerCycle,
	}
	if worker.clock == nil {
		worker.clock = time.Now
	}
	if worker.logger == nil {
		worker.logger = zap.NewNop()
	}
	if worker.minUpdateCount <= 0 {
		worker.minUpdateCount = DefaultMinUpdateCount
	}
	if worker.age <= 0 {
		worker.age = DefaultAge
	}
	if worker.retention <= 0 {
		worker.retention = DefaultRetention
	}
	if worker.batchSize <= 0 {
		worker.batchSize = defaultBatchSize
	}
	if worker.maxDocumentsPerCycle <= 0 {
		worker.maxDocumentsPerCycle = defaultMaxDocumentsPerCycle
	}
	return worker, nil
}

// CompactDocument merges the document's qualifying rows into one compacted
// row and links every original to it, in a single transaction. It returns the
// number of originals merged, or 0 without writing when fewer than the
// minimum qualify.
func (w *Worker) CompactDocument(ctx context.Context, documentID string) (int, error) {
	cutoff := w.clock().Add(-w.age)
	merged := 0
	err := w.store.Transaction(ctx, func(tx *updatelog.Store) error {
		originals, err := tx.ListCompactable(ctx, documentID, cutoff)
		if err != nil {
			return err
		}
		if len(originals) < w.minUpdateCount {
			return nil
		}

		scratch := tx.Engine().NewDocument()
		ids := make([]int64, 0, len(originals))
		var newest int64
		for _, original := range originals {
			if applyErr := scratch.Apply(original.Payload); applyErr != nil {
				// The row cannot contribute state on replay either, so it is
				// absorbed without changing the merged result.
				w.logError(opCompactDocument, reasonMergeApplyFailed, applyErr,
					zap.String("document_id", documentID),
					zap.Int64("update_id", original.UpdateID))
			}
			ids = append(ids, original.UpdateID)
			if original.CreatedAtMillis > newest {
				newest = original.CreatedAtMillis
			}
		}

		payload, err := scratch.EncodeStateAsUpdate(nil)
		if err != nil {
			w.logError(opCompactDocument, reasonEncodeFailed, err, zap.String("document_id", documentID))
			return fmt.Errorf("encode merged update: %w", err)
		}
		compactedID, err := tx.InsertCompacted(ctx, documentID, payload, len(ids), time.UnixMilli(newest))
		if err != nil {
			return err
		}
		if _, err := tx.MarkCompacted(ctx, ids, compactedID); err != nil {
			return err
		}
		merged = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if merged > 0 {
		w.logger.Info("document compacted",
			zap.String("document_id", documentID),
			zap.Int("merged_updates", merged))
	}
	return merged, nil
}

// RunCycle compacts candidate documents in batches up to the per-cycle cap,
// then prunes merged originals older than the retention period. A failing
// document is counted and skipped; only candidate discovery failures end the
// cycle early.
func (w *Worker) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{StartedAt: w.clock().UTC()}
	cycleErr := w.compactCandidates(ctx, &stats)
	if cycleErr == nil {
		cycleErr = w.pruneExpired(ctx, &stats)
	}
	stats.FinishedAt = w.clock().UTC()

	status := statusOK
	switch {
	case cycleErr != nil:
		status = statusFailed
	case stats.Failed > 0 || stats.PruneFailed > 0:
		status = statusPartial
	}
	w.metrics.CompactionCycle(status, stats.MergedUpdates, stats.Pruned)
	w.record(stats)

	w.logger.Info("compaction cycle finished",
		zap.String("status", status),
		zap.Int("candidates", stats.Candidates),
		zap.Int("compacted_documents", stats.Compacted),
		zap.Int("merged_updates", stats.MergedUpdates),
		zap.Int("failed", stats.Failed),
		zap.Int64("pruned_updates", stats.Pruned),
		zap.Duration("duration", stats.FinishedAt.Sub(stats.StartedAt)))
	return stats, cycleErr
}

func (w *Worker) compactCandidates(ctx context.Context, stats *CycleStats) error {
	cutoff := w.clock().Add(-w.age)
	after := ""
	for stats.Candidates < w.maxDocumentsPerCycle {
		limit := w.batchSize
		if remaining := w.maxDocumentsPerCycle - stats.Candidates; remaining < limit {
			limit = remaining
		}
		documentIDs, err := w.store.CompactionCandidates(ctx, w.minUpdateCount, cutoff, after, limit)
		if err != nil {
			w.logError(opRunCycle, reasonCandidatesFailed, err)
			return err
		}
		for _, documentID := range documentIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.Candidates++
			merged, err := w.CompactDocument(ctx, documentID)
			if err != nil {
				stats.Failed++
				w.logError(opRunCycle, reasonCompactFailed, err, zap.String("document_id", documentID))
				continue
			}
			if merged > 0 {
				stats.Compacted++
				stats.MergedUpdates += merged
			}
		}
		if len(documentIDs) < limit {
			return nil
		}
		after = documentIDs[len(documentIDs)-1]
	}
	return nil
}

func (w *Worker) pruneExpired(ctx context.Context, stats *CycleStats) error {
	cutoff := w.clock().Add(-w.retention)
	documentIDs, err := w.store.ExpiredCompactedDocuments(ctx, cutoff, w.maxDocumentsPerCycle)
	if err != nil {
		w.logError(opRetention, reasonCandidatesFailed, err)
		return err
	}
	for _, documentID := range documentIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		deleted, err := w.store.PruneCompactedBefore(ctx, documentID, cutoff)
		if err != nil {
			stats.PruneFailed++
			w.logError(opRetention, reasonPruneFailed, err, zap.String("document_id", documentID))
			continue
		}
		stats.Pruned += deleted
	}
	return nil
}

// Run executes a cycle every interval until ctx is cancelled. Cycle errors and
// panics are logged and the loop continues.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safeCycle(ctx)
		}
	}
}

func (w *Worker) safeCycle(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			w.logError(opRunCycle, reasonPanic, fmt.Errorf("%v", recovered))
		}
	}()
	if _, err := w.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logError(opRunCycle, reasonCompactFailed, err)
	}
}

// LastCycle returns the stats of the most recent cycle, if any ran.
func (w *Worker) LastCycle() (CycleStats, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastCycle == nil {
		return CycleStats{}, false
	}
	return *w.lastCycle, true
}

func (w *Worker) record(stats CycleStats) {
	w.mu.Lock()
	w.lastCycle = &stats
	w.mu.Unlock()
}

func (w *Worker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	w.logger.Error("compaction error", attrs...)
}
