// Package documents owns document records, their membership, and the
// flattened state embedded in each record.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAuthorize      = "documents.authorize"
	opGet            = "documents.get"
	opAddMember      = "documents.add_member"
	opWriteFlattened = "documents.write_flattened"
	reasonQuery      = "query_failed"
	reasonCreate     = "create_failed"
	reasonEncode     = "encode_failed"
	reasonUpsert     = "upsert_failed"
)

// ServiceConfig describes the dependencies of the document service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// AutoCreate registers unknown documents on first access, owned by the caller.
	AutoCreate bool
}

// Service answers access questions and reads or writes document records.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	logger     *zap.Logger
	autoCreate bool
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("documents: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		logger:     logger,
		autoCreate: cfg.AutoCreate,
	}, nil
}

// Authorize reports whether the user may collaborate on the document. Owners
// and members are allowed. Unknown documents are created for the caller when
// auto-create is enabled and refused otherwise.
func (s *Service) Authorize(ctx context.Context, userID string, documentID DocumentID) (bool, error) {
	if userID == "" {
		return false, nil
	}
	document, err := s.Get(ctx, documentID)
	if errors.Is(err, ErrDocumentNotFound) {
		if !s.autoCreate {
			return false, nil
		}
		if err := s.create(ctx, documentID, userID); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if document.OwnerID == userID {
		return true, nil
	}

	var members int64
	err = s.db.WithContext(ctx).Model(&Member{}).
		Where("document_id = ? AND user_id = ?", documentID.String(), userID).
		Count(&members).Error
	if err != nil {
		s.logError(opAuthorize, reasonQuery, err, zap.String("document_id", documentID.String()))
		return false, err
	}
	return members > 0, nil
}

// Get loads the document record.
func (s *Service) Get(ctx context.Context, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opGet, reasonQuery, err, zap.String("document_id", documentID.String()))
		return Document{}, err
	}
	return document, nil
}

// AddMember grants the user a role on the document.
func (s *Service) AddMember(ctx context.Context, documentID DocumentID, userID, role string) error {
	member := Member{
		DocumentID:     documentID.String(),
		UserID:         userID,
		Role:           role,
		AddedAtSeconds: s.now().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&member).Error
	if err != nil {
		s.logError(opAddMember, reasonCreate, err, zap.String("document_id", documentID.String()))
		return err
	}
	return nil
}

func (s *Service) create(ctx context.Context, documentID DocumentID, ownerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document := Document{
			DocumentID:       documentID.String(),
			OwnerID:          ownerID,
			CreatedAtSeconds: s.now().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&document).Error; err != nil {
			s.logError(opAuthorize, reasonCreate, err, zap.String("document_id", documentID.String()))
			return err
		}
		member := Member{
			DocumentID:     documentID.String(),
			UserID:         ownerID,
			Role:           RoleOwner,
			AddedAtSeconds: document.CreatedAtSeconds,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
			s.logError(opAuthorize, reasonCreate, err, zap.String("document_id", documentID.String()))
			return err
		}
		return nil
	})
}

// WriteFlattened overwrites the flattened-state columns of the document,
// creating the record when it does not exist yet. It runs on the provided
// handle so callers can join it to their own transaction.
func WriteFlattened(ctx context.Context, db *gorm.DB, documentID string, state FlattenedState) error {
	encoded, err := json.Marshal(state.Content)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", opWriteFlattened, reasonEncode, err)
	}
	snapshotAt := state.SnapshotAt.UTC()
	record := Document{
		DocumentID:       documentID,
		CreatedAtSeconds: snapshotAt.Unix(),
		FlattenedContent: encoded,
		FlattenedSource:  state.Source,
		SnapshotAtMillis: snapshotAt.UnixMilli(),
		Derived:          state.Derived,
		Checksum:         state.Checksum,
	}
	err = db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"flattened_content",
				"flattened_source",
				"snapshot_at_ms",
				"derived",
				"checksum",
			}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("%s.%s: %w", opWriteFlattened, reasonUpsert, err)
	}
	return nil
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
	s.logger.Error("document service error", attrs...)
}
