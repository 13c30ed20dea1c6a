package updatelog

// Update stores one append-only CRDT update payload. Rows are only mutated to
// link a merged original to the compacted row that replaces it.
type Update struct {
	UpdateID        int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;index:idx_document_updates_doc_created,priority:1"`
	Payload         []byte `gorm:"column:payload;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_document_updates_doc_created,priority:2"`
	AuthorID        string `gorm:"column:author_id;size:190;not null;default:''"`
	IsCompacted     bool   `gorm:"column:is_compacted;not null;default:false"`
	CompactedCount  int64  `gorm:"column:compacted_count;not null;default:1"`
	CompactedBy     *int64 `gorm:"column:compacted_by;index"`
}

// TableName provides the explicit table binding for GORM.
func (Update) TableName() string {
	return "document_updates"
}

// Merged reports whether a compacted row has absorbed this update.
func (update Update) Merged() bool {
	return update.CompactedBy != nil
}
