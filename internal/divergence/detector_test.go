package divergence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(duration time.Duration) {
	c.now = c.now.Add(duration)
}

type noopSnapshotter struct {
	calls int
}

func (s *noopSnapshotter) CreateSnapshot(context.Context, string, string, string) (snapshots.SnapshotMetadata, error) {
	s.calls++
	return snapshots.SnapshotMetadata{}, nil
}

type fixture struct {
	db        *gorm.DB
	store     *updatelog.Store
	snapshots *snapshots.Service
	detector  *Detector
	clock     *fakeClock
}

func newFixture(testContext *testing.T, snapshotter Snapshotter) *fixture {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&updatelog.Update{}, &documents.Document{}, &snapshots.SnapshotMetadata{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, time.May, 5, 9, 0, 0, 0, time.UTC)}
	store, err := updatelog.NewStore(updatelog.Config{Database: database, Engine: crdt.NewBlockEngine(), Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	snapshotService, err := snapshots.NewService(snapshots.Config{Database: database, Store: store, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to create snapshot service: %v", err)
	}
	if snapshotter == nil {
		snapshotter = snapshotService
	}
	detector, err := NewDetector(Config{
		Database:    database,
		Store:       store,
		Snapshotter: snapshotter,
		Clock:       clock.Now,
		BatchSize:   2,
	})
	if err != nil {
		testContext.Fatalf("failed to create detector: %v", err)
	}
	return &fixture{db: database, store: store, snapshots: snapshotService, detector: detector, clock: clock}
}

func (f *fixture) write(testContext *testing.T, documentID string, author *crdt.BlockDocument, text string) {
	testContext.Helper()
	update, err := author.InsertBlock(author.Content().Len(), "dialogue", text)
	if err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	if _, err := f.store.StoreUpdate(context.Background(), documentID, update, "writer"); err != nil {
		testContext.Fatalf("store failed: %v", err)
	}
}

func (f *fixture) snapshotCount(testContext *testing.T, documentID string) int64 {
	testContext.Helper()
	var count int64
	if err := f.db.Model(&snapshots.SnapshotMetadata{}).Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		testContext.Fatalf("count snapshots failed: %v", err)
	}
	return count
}

func TestClassifySeverityThresholds(testContext *testing.T) {
	testCases := []struct {
		name     string
		age      time.Duration
		missing  bool
		mismatch float64
		delta    int
		expected Severity
	}{
		{name: "minor", age: time.Minute, mismatch: 5, delta: 1, expected: SeverityMinor},
		{name: "moderate by age", age: 11 * time.Minute, mismatch: 0, delta: 0, expected: SeverityModerate},
		{name: "moderate by mismatch", age: time.Minute, mismatch: 10.5, delta: 0, expected: SeverityModerate},
		{name: "moderate by negative delta", age: time.Minute, mismatch: 0, delta: -4, expected: SeverityModerate},
		{name: "critical by age", age: 31 * time.Minute, mismatch: 0, delta: 0, expected: SeverityCritical},
		{name: "critical by mismatch", age: time.Minute, mismatch: 31, delta: 0, expected: SeverityCritical},
		{name: "critical by delta", age: time.Minute, mismatch: 0, delta: 11, expected: SeverityCritical},
		{name: "critical when never flattened", missing: true, expected: SeverityCritical},
		{name: "boundaries are exclusive", age: 10 * time.Minute, mismatch: 10, delta: 3, expected: SeverityMinor},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			actual := ClassifySeverity(testCase.age, !testCase.missing, testCase.mismatch, testCase.delta)
			if actual != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, actual)
			}
		})
	}
}

func TestSeverityIsMonotonicInMismatch(testContext *testing.T) {
	for _, age := range []time.Duration{0, 5 * time.Minute, 15 * time.Minute, 45 * time.Minute} {
		previous := -1
		for mismatch := 0.0; mismatch <= 100; mismatch += 0.5 {
			rank := ClassifySeverity(age, true, mismatch, 0).Rank()
			if rank < previous {
				testContext.Fatalf("severity decreased at age=%s mismatch=%.1f", age, mismatch)
			}
			previous = rank
		}
	}
}

func TestCompareBlocksScansLongerList(testContext *testing.T) {
	source := []crdt.Block{{Type: "a", Text: "1"}, {Type: "a", Text: "2"}, {Type: "a", Text: "3"}, {Type: "a", Text: "4"}}
	flattened := []crdt.Block{{Type: "a", Text: "1"}, {Type: "a", Text: "x"}}
	diff := compareBlocks(source, flattened)
	if diff.BlockCountDelta != 2 || diff.Mismatched != 3 || diff.MismatchPercent != 75 {
		testContext.Fatalf("unexpected diff: %+v", diff)
	}
	if len(diff.Sample) != 3 || diff.Sample[2].Flattened != nil || diff.Sample[2].Source == nil {
		testContext.Fatalf("unexpected sample: %+v", diff.Sample)
	}

	empty := compareBlocks(nil, nil)
	if empty.Mismatched != 0 || empty.MismatchPercent != 0 {
		testContext.Fatalf("unexpected diff for empty lists: %+v", empty)
	}
}

func TestCheckConsistencyWithoutUpdatesIsConsistent(testContext *testing.T) {
	f := newFixture(testContext, nil)
	report, err := f.detector.CheckConsistency(context.Background(), "doc-empty")
	if err != nil {
		testContext.Fatalf("check failed: %v", err)
	}
	if report.Diverged || report.Severity != SeverityNone {
		testContext.Fatalf("unexpected report: %+v", report)
	}
}

func TestCheckConsistencyWithoutSnapshotIsCritical(testContext *testing.T) {
	f := newFixture(testContext, nil)
	f.write(testContext, "doc-raw", crdt.NewBlockDocument(1), "Hello.")
	report, err := f.detector.CheckConsistency(context.Background(), "doc-raw")
	if err != nil {
		testContext.Fatalf("check failed: %v", err)
	}
	if !report.Diverged || report.Severity != SeverityCritical || report.SnapshotAgeSeconds != nil {
		testContext.Fatalf("unexpected report: %+v", report)
	}
}

func TestSnapshotRoundTripIsConsistent(testContext *testing.T) {
	f := newFixture(testContext, nil)
	author := crdt.NewBlockDocument(2)
	for index := 0; index < 5; index++ {
		f.write(testContext, "doc-rt", author, fmt.Sprintf("line %d", index))
	}
	if _, err := f.snapshots.CreateSnapshot(context.Background(), "doc-rt", documents.SourceCRDT, ""); err != nil {
		testContext.Fatalf("create snapshot failed: %v", err)
	}
	report, err := f.detector.CheckConsistency(context.Background(), "doc-rt")
	if err != nil {
		testContext.Fatalf("check failed: %v", err)
	}
	if report.Diverged || report.Severity != SeverityNone || report.SourceChecksum != report.FlattenedChecksum {
		testContext.Fatalf("unexpected report: %+v", report)
	}
	if report.SourceCount != 5 || report.FlattenedCount != 5 {
		testContext.Fatalf("unexpected counts: %+v", report)
	}
}

func TestCheckConsistencyGradesDrift(testContext *testing.T) {
	f := newFixture(testContext, nil)
	author := crdt.NewBlockDocument(3)
	for index := 0; index < 20; index++ {
		f.write(testContext, "doc-drift", author, fmt.Sprintf("line %d", index))
	}
	if _, err := f.snapshots.CreateSnapshot(context.Background(), "doc-drift", documents.SourceCRDT, ""); err != nil {
		testContext.Fatalf("create snapshot failed: %v", err)
	}
	f.write(testContext, "doc-drift", author, "one more")
	f.clock.Advance(2 * time.Minute)

	report, err := f.detector.CheckConsistency(context.Background(), "doc-drift")
	if err != nil {
		testContext.Fatalf("check failed: %v", err)
	}
	if !report.Diverged || report.Severity != SeverityMinor || report.RecommendedAction != ActionRefreshSnapshot {
		testContext.Fatalf("unexpected report: %+v", report)
	}
	if report.Diff == nil || report.Diff.BlockCountDelta != 1 || report.Diff.Mismatched != 1 {
		testContext.Fatalf("unexpected diff: %+v", report.Diff)
	}

	f.clock.Advance(40 * time.Minute)
	report, err = f.detector.CheckConsistency(context.Background(), "doc-drift")
	if err != nil {
		testContext.Fatalf("check failed: %v", err)
	}
	if report.Severity != SeverityCritical {
		testContext.Fatalf("expected aged drift to be critical, got %s", report.Severity)
	}
}

func TestAutoRepairOnConsistentDocumentWritesNothing(testContext *testing.T) {
	f := newFixture(testContext, nil)
	f.write(testContext, "doc-ok", crdt.NewBlockDocument(4), "steady")
	if _, err := f.snapshots.CreateSnapshot(context.Background(), "doc-ok", documents.SourceCRDT, ""); err != nil {
		testContext.Fatalf("create snapshot failed: %v", err)
	}
	repaired, err := f.detector.AutoRepair(context.Background(), "doc-ok", StrategyPreferSource)
	if err != nil || !repaired {
		testContext.Fatalf("expected true without error, got %v err=%v", repaired, err)
	}
	if count := f.snapshotCount(testContext, "doc-ok"); count != 1 {
		testContext.Fatalf("expected no new snapshot, got %d records", count)
	}
}

func TestAutoRepairPreferSourceConverges(testContext *testing.T) {
	f := newFixture(testContext, nil)
	author := crdt.NewBlockDocument(5)
	f.write(testContext, "doc-fix", author, "before")
	if _, err := f.snapshots.CreateSnapshot(context.Background(), "doc-fix", documents.SourceCRDT, ""); err != nil {
		testContext.Fatalf("create snapshot failed: %v", err)
	}
	f.write(testContext, "doc-fix", author, "after")

	repaired, err := f.detector.AutoRepair(context.Background(), "doc-fix", StrategyPreferSource)
	if err != nil || !repaired {
		testContext.Fatalf("expected repair to converge, got %v err=%v", repaired, err)
	}
	report, err := f.detector.CheckConsistency(context.Background(), "doc-fix")
	if err != nil || report.Diverged {
		testContext.Fatalf("expected consistent document after repair, got %+v err=%v", report, err)
	}
}

func TestAutoRepairSurfacesNonConvergence(testContext *testing.T) {
	snapshotter := &noopSnapshotter{}
	f := newFixture(testContext, snapshotter)
	f.write(testContext, "doc-stuck", crdt.NewBlockDocument(6), "unflattened")

	repaired, err := f.detector.AutoRepair(context.Background(), "doc-stuck", StrategyPreferSource)
	if repaired || !errors.Is(err, ErrRepairNotConverged) {
		testContext.Fatalf("expected non-convergence error, got %v err=%v", repaired, err)
	}
	if snapshotter.calls != 1 {
		testContext.Fatalf("expected one snapshot attempt, got %d", snapshotter.calls)
	}
}

func TestAutoRepairStrategies(testContext *testing.T) {
	f := newFixture(testContext, nil)
	f.write(testContext, "doc-s", crdt.NewBlockDocument(7), "text")

	repaired, err := f.detector.AutoRepair(context.Background(), "doc-s", StrategyNoRepair)
	if err != nil || repaired {
		testContext.Fatalf("expected no_repair to be a no-op, got %v err=%v", repaired, err)
	}
	if _, err := f.detector.AutoRepair(context.Background(), "doc-s", StrategyPreferFlattened); !errors.Is(err, ErrUnsupportedRepairStrategy) {
		testContext.Fatalf("expected unsupported strategy error, got %v", err)
	}
	if _, err := ParseStrategy("prefer_magic"); !errors.Is(err, ErrUnsupportedRepairStrategy) {
		testContext.Fatalf("expected unknown strategy to be rejected, got %v", err)
	}
	if count := f.snapshotCount(testContext, "doc-s"); count != 0 {
		testContext.Fatalf("expected no snapshot writes, got %d", count)
	}
}

func TestScanAllAndRepairAll(testContext *testing.T) {
	f := newFixture(testContext, nil)
	for index := 0; index < 5; index++ {
		documentID := fmt.Sprintf("doc-%d", index)
		f.write(testContext, documentID, crdt.NewBlockDocument(uint64(10+index)), "content")
		if index%2 == 0 {
			if _, err := f.snapshots.CreateSnapshot(context.Background(), documentID, documents.SourceCRDT, ""); err != nil {
				testContext.Fatalf("create snapshot failed: %v", err)
			}
		}
	}

	stats, err := f.detector.ScanAll(context.Background())
	if err != nil {
		testContext.Fatalf("scan failed: %v", err)
	}
	if stats.Scanned != 5 || stats.Diverged != 2 || stats.Failed != 0 {
		testContext.Fatalf("unexpected scan stats: %+v", stats)
	}

	stats, err = f.detector.RepairAll(context.Background(), StrategyPreferSource)
	if err != nil {
		testContext.Fatalf("repair failed: %v", err)
	}
	if stats.Scanned != 5 || stats.Diverged != 2 || stats.Repaired != 2 {
		testContext.Fatalf("unexpected repair stats: %+v", stats)
	}

	stats, err = f.detector.ScanAll(context.Background())
	if err != nil || stats.Diverged != 0 {
		testContext.Fatalf("expected no divergence after repair, got %+v err=%v", stats, err)
	}
}

func TestPendingImportIsNeitherDivergedNorRepaired(testContext *testing.T) {
	f := newFixture(testContext, nil)
	ctx := context.Background()
	f.write(testContext, "doc-import", crdt.NewBlockDocument(8), "old line")
	f.clock.Advance(time.Minute)

	imported := crdt.Content{Blocks: []crdt.Block{{Type: "scene", Text: "INT. NEW DRAFT"}}}
	state := documents.FlattenedState{Content: imported, Source: documents.SourceImport, SnapshotAt: f.clock.Now()}
	if err := documents.WriteFlattened(ctx, f.db, "doc-import", state); err != nil {
		testContext.Fatalf("write import failed: %v", err)
	}

	report, err := f.detector.CheckConsistency(ctx, "doc-import")
	if err != nil {
		testContext.Fatalf("check failed: %v", err)
	}
	if report.Diverged || !report.PendingImport || report.RecommendedAction != ActionAwaitHydration {
		testContext.Fatalf("unexpected report: %+v", report)
	}

	stats, err := f.detector.RepairAll(ctx, StrategyPreferSource)
	if err != nil {
		testContext.Fatalf("repair failed: %v", err)
	}
	if stats.Scanned != 1 || stats.Diverged != 0 || stats.Repaired != 0 {
		testContext.Fatalf("unexpected repair stats: %+v", stats)
	}
	repaired, err := f.detector.AutoRepair(ctx, "doc-import", StrategyPreferSource)
	if err != nil || repaired {
		testContext.Fatalf("expected pending import to be skipped, got %v err=%v", repaired, err)
	}

	var record documents.Document
	if err := f.db.Where("document_id = ?", "doc-import").Take(&record).Error; err != nil {
		testContext.Fatalf("load record failed: %v", err)
	}
	flattened, err := record.Flattened()
	if err != nil {
		testContext.Fatalf("decode flattened failed: %v", err)
	}
	if flattened.Derived || flattened.Source != documents.SourceImport || !flattened.Content.Equal(imported) {
		testContext.Fatalf("pending import was overwritten: %+v", flattened)
	}
	if count := f.snapshotCount(testContext, "doc-import"); count != 0 {
		testContext.Fatalf("expected no snapshot writes, got %d", count)
	}
}
