// Package updatelog persists the durable, append-only log of CRDT updates
// for every document and replays it into documents on demand.
package updatelog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreUpdate          = "updatelog.store_update"
	opLoadInto             = "updatelog.load_into"
	opEncodeFullState      = "updatelog.encode_full_state"
	opCount                = "updatelog.count"
	opHasAny               = "updatelog.has_any"
	opLatestUpdate         = "updatelog.latest_update"
	opPruneCompacted       = "updatelog.prune_compacted_before"
	opListDocuments        = "updatelog.list_documents"
	fieldDocumentID        = "document_id"
	fieldUpdateID          = "update_id"
	columnUpdateID         = "update_id"
	orderUpdateIDAsc       = columnUpdateID + " ASC"
	orderUpdateIDDesc      = columnUpdateID + " DESC"
	queryDocument          = fieldDocumentID + " = ?"
	queryDocumentPruneable = fieldDocumentID + " = ? AND compacted_by IS NOT NULL AND created_at_ms < ?"
	reasonMissingDatabase  = "missing_database"
	reasonEmptyPayload     = "empty_payload"
	reasonInvalidDocument  = "invalid_document_id"
	reasonInsertFailed     = "insert_failed"
	reasonQueryFailed      = "query_failed"
	reasonReplayFailed     = "replay_apply_failed"
	reasonEncodeFailed     = "encode_failed"
	reasonNoUpdates        = "no_updates"
	reasonDeleteFailed     = "delete_failed"
	replayBatchSize        = 500
)

var noOpLogger = zap.NewNop()

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Engine   crdt.Engine
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the update log. Methods run against the store's database handle;
// WithTx rebinds them to a caller-owned transaction.
type Store struct {
	db     *gorm.DB
	engine crdt.Engine
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError("updatelog.new", reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Engine == nil {
		return nil, newServiceError("updatelog.new", "missing_engine", errMissingEngine)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:     cfg.Database,
		engine: cfg.Engine,
		clock:  clock,
		logger: logger,
	}, nil
}

// WithTx returns a store whose operations join the provided transaction.
// The caller commits or rolls back.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// Transaction runs fn against a store bound to a new transaction, committing
// when fn returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

// Engine exposes the document engine used for replay.
func (s *Store) Engine() crdt.Engine {
	return s.engine
}

// StoreUpdate appends an update and returns its id.
func (s *Store) StoreUpdate(ctx context.Context, documentID string, payload []byte, authorID string) (int64, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, newServiceError(opStoreUpdate, reasonInvalidDocument, ErrInvalidDocumentID)
	}
	if len(payload) == 0 {
		return 0, newServiceError(opStoreUpdate, reasonEmptyPayload, ErrEmptyPayload)
	}

	record := Update{
		DocumentID:      documentID,
		Payload:         append([]byte(nil), payload...),
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
		AuthorID:        strings.TrimSpace(authorID),
		CompactedCount:  1,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opStoreUpdate, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID))
		return 0, newServiceError(opStoreUpdate, reasonInsertFailed, err)
	}
	return record.UpdateID, nil
}

// LoadInto replays every stored update for the document, in sequence order,
// into the provided document. An update that fails to apply is logged and
// skipped. The returned count is the number of updates applied.
func (s *Store) LoadInto(ctx context.Context, documentID string, document crdt.Document) (int, error) {
	applied := 0
	var batch []Update
	// FindInBatches pages by primary key, which is the replay sequence.
	result := s.db.WithContext(ctx).
		Where(queryDocument, documentID).
		FindInBatches(&batch, replayBatchSize, func(_ *gorm.DB, _ int) error {
			for _, update := range batch {
				if err := document.Apply(update.Payload); err != nil {
					s.logError(opLoadInto, reasonReplayFailed, err,
						zap.String(fieldDocumentID, documentID),
						zap.Int64(fieldUpdateID, update.UpdateID))
					continue
				}
				applied++
			}
			return ctx.Err()
		})
	if result.Error != nil {
		s.logError(opLoadInto, reasonQueryFailed, result.Error, zap.String(fieldDocumentID, documentID))
		return applied, newServiceError(opLoadInto, reasonQueryFailed, result.Error)
	}
	return applied, nil
}

// Replay builds a scratch document from the log. The boolean reports whether
// any update exists.
func (s *Store) Replay(ctx context.Context, documentID string) (crdt.Document, bool, error) {
	exists, err := s.HasAny(ctx, documentID)
	if err != nil {
		return nil, false, err
	}
	document := s.engine.NewDocument()
	if !exists {
		return document, false, nil
	}
	if _, err := s.LoadInto(ctx, documentID, document); err != nil {
		return nil, true, err
	}
	return document, true, nil
}

// EncodeFullState replays the log into a scratch document and encodes it as a
// single update.
func (s *Store) EncodeFullState(ctx context.Context, documentID string) ([]byte, error) {
	document, exists, err := s.Replay(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, newServiceError(opEncodeFullState, reasonNoUpdates, ErrNoUpdates)
	}
	encoded, err := document.EncodeStateAsUpdate(nil)
	if err != nil {
		s.logError(opEncodeFullState, reasonEncodeFailed, err, zap.String(fieldDocumentID, documentID))
		return nil, newServiceError(opEncodeFullState, reasonEncodeFailed, err)
	}
	return encoded, nil
}

// Count returns the number of stored rows for the document.
func (s *Store) Count(ctx context.Context, documentID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Update{}).Where(queryDocument, documentID).Count(&count).Error; err != nil {
		s.logError(opCount, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return 0, newServiceError(opCount, reasonQueryFailed, err)
	}
	return count, nil
}

// HasAny reports whether at least one update exists for the document.
func (s *Store) HasAny(ctx context.Context, documentID string) (bool, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&Update{}).
		Where(queryDocument, documentID).
		Limit(1).
		Pluck(columnUpdateID, &ids).Error
	if err != nil {
		s.logError(opHasAny, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return false, newServiceError(opHasAny, reasonQueryFailed, err)
	}
	return len(ids) > 0, nil
}

// LatestUpdate returns the row with the newest created_at for the document,
// breaking ties by sequence. The boolean is false when the document has no
// updates.
func (s *Store) LatestUpdate(ctx context.Context, documentID string) (Update, bool, error) {
	var latest Update
	err := s.db.WithContext(ctx).
		Select(columnUpdateID, "document_id", "created_at_ms", "author_id", "is_compacted", "compacted_count", "compacted_by").
		Where(queryDocument, documentID).
		Order("created_at_ms DESC").
		Order(orderUpdateIDDesc).
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Update{}, false, nil
	}
	if err != nil {
		s.logError(opLatestUpdate, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return Update{}, false, newServiceError(opLatestUpdate, reasonQueryFailed, err)
	}
	return latest, true, nil
}

// PruneCompactedBefore physically deletes originals that a compacted row has
// absorbed and that were created before the cutoff.
func (s *Store) PruneCompactedBefore(ctx context.Context, documentID string, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where(queryDocumentPruneable, documentID, cutoff.UTC().UnixMilli()).
		Delete(&Update{})
	if result.Error != nil {
		s.logError(opPruneCompacted, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, documentID))
		return 0, newServiceError(opPruneCompacted, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// DocumentsWithUpdates pages through document ids that have at least one
// update, in id order, starting after the provided id.
func (s *Store) DocumentsWithUpdates(ctx context.Context, afterDocumentID string, limit int) ([]string, error) {
	var documentIDs []string
	err := s.db.WithContext(ctx).Model(&Update{}).
		Distinct(fieldDocumentID).
		Where(fieldDocumentID+" > ?", afterDocumentID).
		Order(fieldDocumentID + " ASC").
		Limit(limit).
		Pluck(fieldDocumentID, &documentIDs).Error
	if err != nil {
		s.logError(opListDocuments, reasonQueryFailed, err)
		return nil, newServiceError(opListDocuments, reasonQueryFailed, err)
	}
	return documentIDs, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("update log error", attrs...)
}
