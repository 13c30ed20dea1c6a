// Package snapshots materializes the flattened, read-optimized view of a
// document from its update log and keeps an audit trail of every snapshot.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateSnapshot    = "snapshots.create"
	opValidateFreshness = "snapshots.validate_freshness"
	opRefreshStale      = "snapshots.refresh_stale"
	opSchedule          = "snapshots.schedule_periodic"
	opHistory           = "snapshots.history"
	opStats             = "snapshots.stats"
	opStaleness         = "snapshots.staleness"
	reasonReplay        = "replay_failed"
	reasonChecksum      = "checksum_failed"
	reasonID            = "id_failed"
	reasonPersist       = "persist_failed"
	reasonQuery         = "query_failed"
	reasonSnapshot      = "snapshot_failed"
	reasonPanic         = "panic"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200

	// DefaultMaxAge bounds how old a derived flattened state may be.
	DefaultMaxAge = 5 * time.Minute
	// DefaultBatchSize bounds the documents refreshed per batch.
	DefaultBatchSize = 50

	staleCandidatesSQL = `
SELECT u.document_id
FROM (
	SELECT document_id, MAX(created_at_ms) AS latest_ms
	FROM document_updates
	GROUP BY document_id
) u
LEFT JOIN documents d ON d.document_id = u.document_id
WHERE d.document_id IS NULL
	OR d.snapshot_at_ms = 0
	OR (d.derived = ? AND d.snapshot_at_ms <= u.latest_ms)
	OR (d.derived = ? AND (d.snapshot_at_ms < ? OR u.latest_ms > d.snapshot_at_ms))
ORDER BY u.document_id ASC
LIMIT ?`

	staleCountSQL = `
SELECT COUNT(*)
FROM (
	SELECT document_id, MAX(created_at_ms) AS latest_ms
	FROM document_updates
	GROUP BY document_id
) u
LEFT JOIN documents d ON d.document_id = u.document_id
WHERE d.document_id IS NULL
	OR d.snapshot_at_ms = 0
	OR (d.derived = ? AND d.snapshot_at_ms <= u.latest_ms)
	OR (d.derived = ? AND (d.snapshot_at_ms < ? OR u.latest_ms > d.snapshot_at_ms))`
)

var (
	errMissingDatabase = errors.New("snapshots: database handle is required")
	errMissingStore    = errors.New("snapshots: update log store is required")
)

// Config describes the dependencies of the snapshot service.
type Config struct {
	Database   *gorm.DB
	Store      *updatelog.Store
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Collab
	IDProvider IDProvider
}

// Service creates and inspects snapshots.
type Service struct {
	db      *gorm.DB
	store   *updatelog.Store
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collab
	ids     IDProvider
}

// NewService validates the configuration and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	service := &Service{
		db:      cfg.Database,
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		ids:     cfg.IDProvider,
	}
	if service.clock == nil {
		service.clock = time.Now
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	if service.ids == nil {
		service.ids = NewUUIDProvider()
	}
	return service, nil
}

// CreateSnapshot replays the log, overwrites the document's flattened state
// with the result, and appends a metadata record. It fails with
// updatelog.ErrNoUpdates when the log is empty.
func (s *Service) CreateSnapshot(ctx context.Context, documentID, source, createdBy string) (SnapshotMetadata, error) {
	started := s.clock()
	fields := []zap.Field{zap.String("document_id", documentID), zap.String("source", source)}

	// Counted before the replay so the recorded count never exceeds what the
	// content reflects.
	sourceCount, err := s.store.Count(ctx, documentID)
	if err != nil {
		return SnapshotMetadata{}, err
	}
	latest, _, err := s.store.LatestUpdate(ctx, documentID)
	if err != nil {
		return SnapshotMetadata{}, err
	}
	replayStarted := time.Now()
	document, exists, err := s.store.Replay(ctx, documentID)
	if err != nil {
		s.logError(opCreateSnapshot, reasonReplay, err, fields...)
		return SnapshotMetadata{}, err
	}
	s.metrics.ObserveReplay(time.Since(replayStarted))
	if !exists {
		return SnapshotMetadata{}, fmt.Errorf("%s: %w", opCreateSnapshot, updatelog.ErrNoUpdates)
	}

	content := document.Content()
	checksum, canonical, err := Checksum(content)
	if err != nil {
		s.logError(opCreateSnapshot, reasonChecksum, err, fields...)
		return SnapshotMetadata{}, err
	}
	snapshotID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreateSnapshot, reasonID, err, fields...)
		return SnapshotMetadata{}, err
	}

	now := s.clock().UTC()
	metadata := SnapshotMetadata{
		SnapshotID:           snapshotID,
		DocumentID:           documentID,
		Source:               source,
		CreatedAtMillis:      now.UnixMilli(),
		CreatedBy:            createdBy,
		SourceUpdateCount:    sourceCount,
		Checksum:             checksum,
		GenerationTimeMillis: now.Sub(started).Milliseconds(),
		SizeBytes:            int64(len(canonical)),
	}
	if latest.UpdateID > 0 {
		latestID := latest.UpdateID
		metadata.LatestSourceUpdateID = &latestID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state := documents.FlattenedState{
			Content:    content,
			Source:     source,
			SnapshotAt: now,
			Derived:    true,
			Checksum:   checksum,
		}
		if err := documents.WriteFlattened(ctx, tx, documentID, state); err != nil {
			return err
		}
		return tx.Create(&metadata).Error
	})
	if err != nil {
		s.logError(opCreateSnapshot, reasonPersist, err, fields...)
		return SnapshotMetadata{}, err
	}

	s.metrics.SnapshotCreated(source, now.Sub(started))
	s.logger.Debug("snapshot created",
		zap.String("document_id", documentID),
		zap.String("snapshot_id", snapshotID),
		zap.Int64("source_update_count", sourceCount),
		zap.Int("blocks", content.Len()))
	return metadata, nil
}

// ValidateFreshness reports whether the document's flattened state is a
// current derivation of its log. A document without updates is fresh.
func (s *Service) ValidateFreshness(ctx context.Context, documentID string, maxAge time.Duration) (bool, error) {
	hasUpdates, err := s.store.HasAny(ctx, documentID)
	if err != nil {
		return false, err
	}
	if !hasUpdates {
		return true, nil
	}

	var document documents.Document
	err = s.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opValidateFreshness, reasonQuery, err, zap.String("document_id", documentID))
		return false, err
	}
	if !document.Derived || !document.HasFlattenedState() {
		return false, nil
	}
	if s.clock().Sub(time.UnixMilli(document.SnapshotAtMillis)) > maxAge {
		return false, nil
	}

	latest, found, err := s.latestMetadata(ctx, documentID)
	if err != nil || !found {
		return false, err
	}
	count, err := s.store.Count(ctx, documentID)
	if err != nil {
		return false, err
	}
	return latest.SourceUpdateCount == count, nil
}

// RefreshStaleSnapshots snapshots up to batchSize documents that have updates
// and a missing, non-derived, or stale flattened state. Per-document failures
// are counted and the batch continues.
func (s *Service) RefreshStaleSnapshots(ctx context.Context, maxAge time.Duration, batchSize int) (RefreshStats, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	cutoff := s.clock().Add(-maxAge).UnixMilli()
	var documentIDs []string
	err := s.db.WithContext(ctx).Raw(staleCandidatesSQL, false, true, cutoff, batchSize).Scan(&documentIDs).Error
	if err != nil {
		s.logError(opRefreshStale, reasonQuery, err)
		return RefreshStats{}, err
	}

	stats := RefreshStats{Candidates: len(documentIDs)}
	for _, documentID := range documentIDs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, err := s.CreateSnapshot(ctx, documentID, documents.SourceCRDT, ""); err != nil {
			stats.Failed++
			s.logError(opRefreshStale, reasonSnapshot, err, zap.String("document_id", documentID))
			continue
		}
		stats.Refreshed++
	}
	if stats.Candidates > 0 {
		s.logger.Info("stale snapshots refreshed",
			zap.Int("candidates", stats.Candidates),
			zap.Int("refreshed", stats.Refreshed),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}

// SchedulePeriodic refreshes stale snapshots every interval until ctx is
// cancelled. Errors and panics inside a round are logged and the loop keeps
// going.
func (s *Service) SchedulePeriodic(ctx context.Context, interval, maxAge time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshRound(ctx, maxAge, batchSize)
		}
	}
}

func (s *Service) refreshRound(ctx context.Context, maxAge time.Duration, batchSize int) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logError(opSchedule, reasonPanic, fmt.Errorf("%v", recovered))
		}
	}()
	if _, err := s.RefreshStaleSnapshots(ctx, maxAge, batchSize); err != nil && !errors.Is(err, context.Canceled) {
		s.logError(opSchedule, reasonSnapshot, err)
	}
}

// GetFlattenedState returns the flattened state embedded in the document.
func (s *Service) GetFlattenedState(ctx context.Context, documentID string) (documents.FlattenedState, error) {
	var document documents.Document
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return documents.FlattenedState{}, documents.ErrDocumentNotFound
	}
	if err != nil {
		return documents.FlattenedState{}, err
	}
	return document.Flattened()
}

// GetSnapshotHistory returns the newest snapshot records first.
func (s *Service) GetSnapshotHistory(ctx context.Context, documentID string, limit int) ([]SnapshotMetadata, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var history []SnapshotMetadata
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at_ms DESC").
		Order("snapshot_id DESC").
		Limit(limit).
		Find(&history).Error
	if err != nil {
		s.logError(opHistory, reasonQuery, err, zap.String("document_id", documentID))
		return nil, err
	}
	return history, nil
}

// GetSnapshotStats aggregates the document's snapshot history and compares
// it with the current log.
func (s *Service) GetSnapshotStats(ctx context.Context, documentID string) (SnapshotStats, error) {
	stats := SnapshotStats{DocumentID: documentID}
	var aggregate struct {
		Total         int64
		AvgGeneration float64
		MaxGeneration int64
		AvgSize       float64
	}
	err := s.db.WithContext(ctx).Model(&SnapshotMetadata{}).
		Select("COUNT(*) AS total, "+
			"COALESCE(AVG(generation_time_ms), 0) AS avg_generation, "+
			"COALESCE(MAX(generation_time_ms), 0) AS max_generation, "+
			"COALESCE(AVG(size_bytes), 0) AS avg_size").
		Where("document_id = ?", documentID).
		Scan(&aggregate).Error
	if err != nil {
		s.logError(opStats, reasonQuery, err, zap.String("document_id", documentID))
		return SnapshotStats{}, err
	}
	stats.TotalSnapshots = aggregate.Total
	stats.AverageGenerationMillis = aggregate.AvgGeneration
	stats.MaxGenerationMillis = aggregate.MaxGeneration
	stats.AverageSizeBytes = aggregate.AvgSize

	count, err := s.store.Count(ctx, documentID)
	if err != nil {
		return SnapshotStats{}, err
	}
	stats.CurrentUpdateCount = count
	stats.UpdatesSinceLastSnapshot = count

	latest, found, err := s.latestMetadata(ctx, documentID)
	if err != nil {
		return SnapshotStats{}, err
	}
	if found {
		stats.Latest = &latest
		if delta := count - latest.SourceUpdateCount; delta > 0 {
			stats.UpdatesSinceLastSnapshot = delta
		} else {
			stats.UpdatesSinceLastSnapshot = 0
		}
	}
	return stats, nil
}

// StalenessSummary counts documents due for refresh and averages the age of
// every flattened state.
func (s *Service) StalenessSummary(ctx context.Context, maxAge time.Duration) (Staleness, error) {
	now := s.clock()
	var summary Staleness
	err := s.db.WithContext(ctx).Raw(staleCountSQL, false, true, now.Add(-maxAge).UnixMilli()).Scan(&summary.StaleCount).Error
	if err != nil {
		s.logError(opStaleness, reasonQuery, err)
		return Staleness{}, err
	}
	var averageSnapshotAt float64
	err = s.db.WithContext(ctx).Model(&documents.Document{}).
		Select("COALESCE(AVG(snapshot_at_ms), 0)").
		Where("snapshot_at_ms > 0").
		Scan(&averageSnapshotAt).Error
	if err != nil {
		s.logError(opStaleness, reasonQuery, err)
		return Staleness{}, err
	}
	if averageSnapshotAt > 0 {
		summary.AverageAgeSeconds = (float64(now.UnixMilli()) - averageSnapshotAt) / 1000
	}
	return summary, nil
}

func (s *Service) latestMetadata(ctx context.Context, documentID string) (SnapshotMetadata, bool, error) {
	var latest SnapshotMetadata
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at_ms DESC").
		Order("snapshot_id DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotMetadata{}, false, nil
	}
	if err != nil {
		return SnapshotMetadata{}, false, err
	}
	return latest, true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("snapshot service error", attrs...)
}
