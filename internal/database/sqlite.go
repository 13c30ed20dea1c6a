package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the backend owns, in migration order.
func Models() []any {
	return []any{
		&updatelog.Update{},
		&documents.Document{},
		&documents.Member{},
		&snapshots.SnapshotMetadata{},
		&users.Identity{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := migrateUserIDs(db); err != nil && logger != nil {
		logger.Warn("user id migration failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// migrateUserIDs strips the provider prefix that early sessions stored in
// user columns.
func migrateUserIDs(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	statements := []string{
		fmt.Sprintf("UPDATE document_updates SET author_id = substr(author_id, %d) WHERE author_id LIKE '%s%%';", start, prefix),
		fmt.Sprintf("UPDATE documents SET owner_id = substr(owner_id, %d) WHERE owner_id LIKE '%s%%';", start, prefix),
		fmt.Sprintf("UPDATE document_members SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%' AND NOT EXISTS (SELECT 1 FROM document_members m WHERE m.document_id = document_members.document_id AND m.user_id = substr(document_members.user_id, %d));", start, prefix, start),
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
