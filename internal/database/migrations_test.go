package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsMarksDerivedFlattenedState(testContext *testing.T) {
	database := openTestDatabase(testContext)

	records := []documents.Document{
		{DocumentID: "doc-snapshot", OwnerID: "user-1", CreatedAtSeconds: 1, FlattenedContent: []byte(`{"blocks":[]}`), FlattenedSource: documents.SourceCRDT, SnapshotAtMillis: 1000},
		{DocumentID: "doc-compacted", OwnerID: "user-1", CreatedAtSeconds: 1, FlattenedContent: []byte(`{"blocks":[]}`), FlattenedSource: documents.SourceCompacted, SnapshotAtMillis: 1000},
		{DocumentID: "doc-import", OwnerID: "user-1", CreatedAtSeconds: 1, FlattenedContent: []byte(`{"blocks":[]}`), FlattenedSource: documents.SourceImport, SnapshotAtMillis: 1000},
	}
	if err := database.Create(&records).Error; err != nil {
		testContext.Fatalf("failed to insert documents: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]bool{"doc-snapshot": true, "doc-compacted": true, "doc-import": false}
	for documentID, derived := range expected {
		var stored documents.Document
		if err := database.Where("document_id = ?", documentID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", documentID, err)
		}
		if stored.Derived != derived {
			testContext.Fatalf("expected %s derived=%v, got %v", documentID, derived, stored.Derived)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationMarkDerivedFlattenedState).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsOwnerMembershipOnce(testContext *testing.T) {
	database := openTestDatabase(testContext)
	owned := []documents.Document{
		{DocumentID: "doc-a", OwnerID: "owner-a", CreatedAtSeconds: 10},
		{DocumentID: "doc-b", OwnerID: "owner-b", CreatedAtSeconds: 20},
		{DocumentID: "doc-orphan", CreatedAtSeconds: 30},
	}
	if err := database.Create(&owned).Error; err != nil {
		testContext.Fatalf("failed to insert documents: %v", err)
	}
	existing := documents.Member{DocumentID: "doc-b", UserID: "owner-b", Role: documents.RoleOwner, AddedAtSeconds: 20}
	if err := database.Create(&existing).Error; err != nil {
		testContext.Fatalf("failed to insert member: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, nil); err != nil {
			testContext.Fatalf("failed to apply migrations: %v", err)
		}
	}

	var members []documents.Member
	if err := database.Order("document_id ASC").Find(&members).Error; err != nil {
		testContext.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 2 {
		testContext.Fatalf("expected one owner row per owned document, got %+v", members)
	}
	if members[0].DocumentID != "doc-a" || members[0].Role != documents.RoleOwner || members[0].AddedAtSeconds != 10 {
		testContext.Fatalf("unexpected backfilled member %+v", members[0])
	}
}

func TestMigrateUserIDsStripsProviderPrefix(testContext *testing.T) {
	database := openTestDatabase(testContext)
	update := updatelog.Update{DocumentID: "doc-a", Payload: []byte{0}, CreatedAtMillis: 1, AuthorID: "google:12345", CompactedCount: 1}
	if err := database.Create(&update).Error; err != nil {
		testContext.Fatalf("failed to insert update: %v", err)
	}

	if err := migrateUserIDs(database); err != nil {
		testContext.Fatalf("failed to migrate user ids: %v", err)
	}

	var stored updatelog.Update
	if err := database.Take(&stored, update.UpdateID).Error; err != nil {
		testContext.Fatalf("failed to reload update: %v", err)
	}
	if stored.AuthorID != "12345" {
		testContext.Fatalf("expected prefix stripped, got %q", stored.AuthorID)
	}
}

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}
