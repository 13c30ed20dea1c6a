package updatelog

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	opCompactionCandidates = "updatelog.compaction_candidates"
	opListCompactable      = "updatelog.list_compactable"
	opInsertCompacted      = "updatelog.insert_compacted"
	opMarkCompacted        = "updatelog.mark_compacted"
	opExpiredCompacted     = "updatelog.expired_compacted_documents"
	opStats                = "updatelog.stats"
	reasonUpdateFailed     = "update_failed"
	queryCompactable       = "is_compacted = ? AND compacted_by IS NULL AND created_at_ms < ?"
	markCompactedChunkSize = 400
)

// CompactionCandidates pages through documents holding at least minCount
// uncompacted updates created before olderThan, ordered by document id and
// starting after afterDocumentID.
func (s *Store) CompactionCandidates(ctx context.Context, minCount int, olderThan time.Time, afterDocumentID string, limit int) ([]string, error) {
	var documentIDs []string
	err := s.db.WithContext(ctx).Model(&Update{}).
		Select(fieldDocumentID).
		Where(queryCompactable, false, olderThan.UTC().UnixMilli()).
		Where(fieldDocumentID+" > ?", afterDocumentID).
		Group(fieldDocumentID).
		Having("COUNT(*) >= ?", minCount).
		Order(fieldDocumentID + " ASC").
		Limit(limit).
		Pluck(fieldDocumentID, &documentIDs).Error
	if err != nil {
		s.logError(opCompactionCandidates, reasonQueryFailed, err)
		return nil, newServiceError(opCompactionCandidates, reasonQueryFailed, err)
	}
	return documentIDs, nil
}

// ListCompactable returns the uncompacted updates of a document created
// before olderThan, in sequence order.
func (s *Store) ListCompactable(ctx context.Context, documentID string, olderThan time.Time) ([]Update, error) {
	var updates []Update
	err := s.db.WithContext(ctx).
		Where(queryDocument, documentID).
		Where(queryCompactable, false, olderThan.UTC().UnixMilli()).
		Order(orderUpdateIDAsc).
		Find(&updates).Error
	if err != nil {
		s.logError(opListCompactable, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return nil, newServiceError(opListCompactable, reasonQueryFailed, err)
	}
	return updates, nil
}

// InsertCompacted stores a merged update that replaces mergedCount originals.
func (s *Store) InsertCompacted(ctx context.Context, documentID string, payload []byte, mergedCount int, createdAt time.Time) (int64, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, newServiceError(opInsertCompacted, reasonInvalidDocument, ErrInvalidDocumentID)
	}
	if len(payload) == 0 {
		return 0, newServiceError(opInsertCompacted, reasonEmptyPayload, ErrEmptyPayload)
	}
	record := Update{
		DocumentID:      documentID,
		Payload:         append([]byte(nil), payload...),
		CreatedAtMillis: createdAt.UTC().UnixMilli(),
		IsCompacted:     true,
		CompactedCount:  int64(mergedCount),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opInsertCompacted, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID))
		return 0, newServiceError(opInsertCompacted, reasonInsertFailed, err)
	}
	return record.UpdateID, nil
}

// MarkCompacted links originals to the compacted row that replaced them.
func (s *Store) MarkCompacted(ctx context.Context, updateIDs []int64, compactedBy int64) (int64, error) {
	var affected int64
	for start := 0; start < len(updateIDs); start += markCompactedChunkSize {
		end := start + markCompactedChunkSize
		if end > len(updateIDs) {
			end = len(updateIDs)
		}
		result := s.db.WithContext(ctx).Model(&Update{}).
			Where(columnUpdateID+" IN ?", updateIDs[start:end]).
			Update("compacted_by", compactedBy)
		if result.Error != nil {
			s.logError(opMarkCompacted, reasonUpdateFailed, result.Error, zap.Int64("compacted_by", compactedBy))
			return affected, newServiceError(opMarkCompacted, reasonUpdateFailed, result.Error)
		}
		affected += result.RowsAffected
	}
	return affected, nil
}

// ExpiredCompactedDocuments lists documents holding merged originals created
// before the cutoff.
func (s *Store) ExpiredCompactedDocuments(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var documentIDs []string
	err := s.db.WithContext(ctx).Model(&Update{}).
		Distinct(fieldDocumentID).
		Where("compacted_by IS NOT NULL AND created_at_ms < ?", cutoff.UTC().UnixMilli()).
		Order(fieldDocumentID + " ASC").
		Limit(limit).
		Pluck(fieldDocumentID, &documentIDs).Error
	if err != nil {
		s.logError(opExpiredCompacted, reasonQueryFailed, err)
		return nil, newServiceError(opExpiredCompacted, reasonQueryFailed, err)
	}
	return documentIDs, nil
}

// Stats summarizes the whole log.
type Stats struct {
	TotalUpdates     int64 `json:"total_updates"`
	CompactedRecords int64 `json:"compacted_records"`
	MergedOriginals  int64 `json:"merged_originals"`
	Documents        int64 `json:"documents"`
}

// Stats returns row totals across every document.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.WithContext(ctx).Model(&Update{}).
		Select("COUNT(*) AS total_updates, " +
			"COALESCE(SUM(CASE WHEN is_compacted THEN 1 ELSE 0 END), 0) AS compacted_records, " +
			"COALESCE(SUM(CASE WHEN compacted_by IS NOT NULL THEN 1 ELSE 0 END), 0) AS merged_originals, " +
			"COUNT(DISTINCT document_id) AS documents").
		Scan(&stats).Error
	if err != nil {
		s.logError(opStats, reasonQueryFailed, err)
		return Stats{}, newServiceError(opStats, reasonQueryFailed, err)
	}
	return stats, nil
}
