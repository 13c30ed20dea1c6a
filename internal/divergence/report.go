package divergence

import (
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
)

// Severity classifies how far the flattened state has drifted from the log.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from none (0) to critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Recommended actions attached to reports.
const (
	ActionNone              = "none"
	ActionAwaitHydration    = "await_hydration"
	ActionRefreshSnapshot   = "refresh_snapshot"
	ActionRepairSource      = "repair_prefer_source"
	ActionRepairInvestigate = "repair_prefer_source_and_investigate"
)

const (
	criticalAge      = 30 * time.Minute
	criticalMismatch = 30.0
	criticalDelta    = 10
	moderateAge      = 10 * time.Minute
	moderateMismatch = 10.0
	moderateDelta    = 3

	maxMismatchSample = 10
)

// Report is the outcome of one consistency check.
type Report struct {
	DocumentID         string    `json:"document_id"`
	Diverged           bool      `json:"diverged"`
	PendingImport      bool      `json:"pending_import,omitempty"`
	SourceCount        int       `json:"source_count"`
	FlattenedCount     int       `json:"flattened_count"`
	SourceChecksum     string    `json:"source_checksum"`
	FlattenedChecksum  string    `json:"flattened_checksum"`
	Diff               *Diff     `json:"diff,omitempty"`
	Severity           Severity  `json:"severity"`
	RecommendedAction  string    `json:"recommended_action"`
	CheckedAt          time.Time `json:"checked_at"`
	SnapshotAgeSeconds *float64  `json:"snapshot_age_seconds,omitempty"`
}

// Diff describes how the two block lists differ.
type Diff struct {
	BlockCountDelta int             `json:"block_count_delta"`
	Mismatched      int             `json:"mismatched_blocks"`
	MismatchPercent float64         `json:"mismatch_percent"`
	Sample          []BlockMismatch `json:"sample"`
}

// BlockMismatch is one differing position. A nil side means the list ended.
type BlockMismatch struct {
	Index     int         `json:"index"`
	Source    *crdt.Block `json:"source,omitempty"`
	Flattened *crdt.Block `json:"flattened,omitempty"`
}

// BatchStats summarizes a scan or repair batch.
type BatchStats struct {
	Scanned  int `json:"scanned"`
	Diverged int `json:"diverged"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// ScanResult records the most recent scheduled scan.
type ScanResult struct {
	BatchStats
	FinishedAt time.Time `json:"finished_at"`
}

// DivergenceRate returns the share of scanned documents that diverged.
func (r ScanResult) DivergenceRate() float64 {
	if r.Scanned == 0 {
		return 0
	}
	return float64(r.Diverged) / float64(r.Scanned)
}

// ClassifySeverity grades a divergence; the first matching tier wins. A
// document that was never flattened has no snapshot age and grades critical.
func ClassifySeverity(snapshotAge time.Duration, hasSnapshot bool, mismatchPercent float64, blockCountDelta int) Severity {
	delta := blockCountDelta
	if delta < 0 {
		delta = -delta
	}
	switch {
	case !hasSnapshot, snapshotAge > criticalAge, mismatchPercent > criticalMismatch, delta > criticalDelta:
		return SeverityCritical
	case snapshotAge > moderateAge, mismatchPercent > moderateMismatch, delta > moderateDelta:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

func recommendedAction(severity Severity) string {
	switch severity {
	case SeverityMinor:
		return ActionRefreshSnapshot
	case SeverityModerate:
		return ActionRepairSource
	case SeverityCritical:
		return ActionRepairInvestigate
	default:
		return ActionNone
	}
}

// compareBlocks scans both lists position by position over the longer one.
func compareBlocks(source, flattened []crdt.Block) Diff {
	longest := len(source)
	if len(flattened) > longest {
		longest = len(flattened)
	}
	diff := Diff{BlockCountDelta: len(source) - len(flattened)}
	for index := 0; index < longest; index++ {
		var left, right *crdt.Block
		if index < len(source) {
			left = &source[index]
		}
		if index < len(flattened) {
			right = &flattened[index]
		}
		if left != nil && right != nil && *left == *right {
			continue
		}
		diff.Mismatched++
		if len(diff.Sample) < maxMismatchSample {
			diff.Sample = append(diff.Sample, BlockMismatch{Index: index, Source: left, Flattened: right})
		}
	}
	denominator := longest
	if denominator < 1 {
		denominator = 1
	}
	diff.MismatchPercent = float64(diff.Mismatched) / float64(denominator) * 100
	return diff
}
