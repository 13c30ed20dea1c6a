package documents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

// Flattened state sources.
const (
	SourceCRDT      = "crdt"
	SourceManual    = "manual"
	SourceImport    = "import"
	SourceMigrated  = "migrated"
	SourceCompacted = "compacted"
)

// Member roles.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrDocumentNotFound indicates the document has no record.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrNoFlattenedState indicates the document has never been flattened.
	ErrNoFlattenedState = errors.New("documents: no flattened state")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Document is the persisted document record. The flattened-state columns are
// overwritten in place by the snapshot service.
type Document struct {
	DocumentID       string         `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string         `gorm:"column:owner_id;size:190;not null;default:'';index"`
	Title            string         `gorm:"column:title;size:320;not null;default:''"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	FlattenedContent datatypes.JSON `gorm:"column:flattened_content"`
	FlattenedSource  string         `gorm:"column:flattened_source;size:32;not null;default:''"`
	SnapshotAtMillis int64          `gorm:"column:snapshot_at_ms;not null;default:0"`
	Derived          bool           `gorm:"column:derived;not null;default:false"`
	Checksum         string         `gorm:"column:checksum;size:64;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// HasFlattenedState reports whether a snapshot or import ever wrote content.
func (d Document) HasFlattenedState() bool {
	return len(d.FlattenedContent) > 0 && d.SnapshotAtMillis > 0
}

// PendingImport reports flattened state written directly, not derived from
// the log, after the log's newest update. Such state has not reached the log
// yet and outranks it until a session seeds it.
func (d Document) PendingImport(latestUpdateMillis int64, hasUpdates bool) bool {
	if !d.HasFlattenedState() || d.Derived {
		return false
	}
	return !hasUpdates || d.SnapshotAtMillis > latestUpdateMillis
}

// Flattened decodes the flattened-state columns.
func (d Document) Flattened() (FlattenedState, error) {
	if !d.HasFlattenedState() {
		return FlattenedState{}, ErrNoFlattenedState
	}
	var content crdt.Content
	if err := json.Unmarshal(d.FlattenedContent, &content); err != nil {
		return FlattenedState{}, fmt.Errorf("decode flattened content: %w", err)
	}
	return FlattenedState{
		Content:    content,
		Source:     d.FlattenedSource,
		SnapshotAt: time.UnixMilli(d.SnapshotAtMillis).UTC(),
		Derived:    d.Derived,
		Checksum:   d.Checksum,
	}, nil
}

// FlattenedState is the decoded read-optimized view embedded in a document.
type FlattenedState struct {
	Content    crdt.Content `json:"content"`
	Source     string       `json:"source"`
	SnapshotAt time.Time    `json:"snapshot_at"`
	Derived    bool         `json:"derived"`
	Checksum   string       `json:"checksum"`
}

// Member grants a user access to a document.
type Member struct {
	DocumentID     string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role           string `gorm:"column:role;size:32;not null"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "document_members"
}
