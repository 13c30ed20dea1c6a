package snapshots

import "time"

// SnapshotMetadata is the immutable audit record appended for every snapshot.
type SnapshotMetadata struct {
	SnapshotID           string `gorm:"column:snapshot_id;primaryKey;size:64;not null" json:"snapshot_id"`
	DocumentID           string `gorm:"column:document_id;size:190;not null;index:idx_snapshots_document_created,priority:1" json:"document_id"`
	Source               string `gorm:"column:source;size:32;not null" json:"source"`
	CreatedAtMillis      int64  `gorm:"column:created_at_ms;not null;index:idx_snapshots_document_created,priority:2" json:"created_at_ms"`
	CreatedBy            string `gorm:"column:created_by;size:190;not null;default:''" json:"created_by,omitempty"`
	SourceUpdateCount    int64  `gorm:"column:source_update_count;not null" json:"source_update_count"`
	LatestSourceUpdateID *int64 `gorm:"column:latest_source_update_id" json:"latest_source_update_id,omitempty"`
	Checksum             string `gorm:"column:checksum;size:64;not null" json:"checksum"`
	GenerationTimeMillis int64  `gorm:"column:generation_time_ms;not null" json:"generation_time_ms"`
	SizeBytes            int64  `gorm:"column:size_bytes;not null" json:"size_bytes"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotMetadata) TableName() string {
	return "document_snapshots"
}

// CreatedAt returns the creation time.
func (m SnapshotMetadata) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMillis).UTC()
}

// RefreshStats summarizes one refresh batch.
type RefreshStats struct {
	Candidates int `json:"candidates"`
	Refreshed  int `json:"refreshed"`
	Failed     int `json:"failed"`
}

// SnapshotStats aggregates the snapshot history of one document.
type SnapshotStats struct {
	DocumentID               string            `json:"document_id"`
	TotalSnapshots           int64             `json:"total_snapshots"`
	AverageGenerationMillis  float64           `json:"avg_generation_time_ms"`
	MaxGenerationMillis      int64             `json:"max_generation_time_ms"`
	AverageSizeBytes         float64           `json:"avg_size_bytes"`
	CurrentUpdateCount       int64             `json:"current_update_count"`
	UpdatesSinceLastSnapshot int64             `json:"updates_since_last_snapshot"`
	Latest                   *SnapshotMetadata `json:"latest,omitempty"`
}

// Staleness summarizes flattened-state age across all documents.
type Staleness struct {
	StaleCount        int64   `json:"stale_count"`
	AverageAgeSeconds float64 `json:"avg_age_seconds"`
}
