package main

import (
	"database/sql"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/compaction"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/config"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/database"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/divergence"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// backend holds the storage-backed services shared by the server and the
// maintenance subcommands.
type backend struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	sqlDB      *sql.DB
	store      *updatelog.Store
	documents  *documents.Service
	snapshots  *snapshots.Service
	detector   *divergence.Detector
	compaction *compaction.Worker
}

func openRuntime(collabMetrics *metrics.Collab) (*backend, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	rt := &backend{config: appConfig, logger: logger, db: db, sqlDB: sqlDB}
	if err := rt.build(collabMetrics); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *backend) build(collabMetrics *metrics.Collab) error {
	var err error
	rt.store, err = updatelog.NewStore(updatelog.Config{
		Database: rt.db,
		Engine:   crdt.NewBlockEngine(),
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}
	rt.documents, err = documents.NewService(documents.ServiceConfig{
		Database:   rt.db,
		Logger:     rt.logger,
		AutoCreate: rt.config.AutoCreate,
	})
	if err != nil {
		return err
	}
	rt.snapshots, err = snapshots.NewService(snapshots.Config{
		Database: rt.db,
		Store:    rt.store,
		Logger:   rt.logger,
		Metrics:  collabMetrics,
	})
	if err != nil {
		return err
	}
	rt.detector, err = divergence.NewDetector(divergence.Config{
		Database:    rt.db,
		Store:       rt.store,
		Snapshotter: rt.snapshots,
		Logger:      rt.logger,
		Metrics:     collabMetrics,
		BatchSize:   rt.config.Divergence.BatchSize,
	})
	if err != nil {
		return err
	}
	rt.compaction, err = compaction.NewWorker(compaction.Config{
		Store:                rt.store,
		Logger:               rt.logger,
		Metrics:              collabMetrics,
		MinUpdateCount:       rt.config.Compaction.MinUpdateCount,
		Age:                  rt.config.Compaction.Age,
		Retention:            rt.config.Compaction.Retention,
		BatchSize:            rt.config.Compaction.BatchSize,
		MaxDocumentsPerCycle: rt.config.Compaction.MaxDocumentsPerCycle,
	})
	return err
}

func (rt *backend) close() {
	if err := rt.sqlDB.Close(); err != nil {
		rt.logger.Warn("database close failed", zap.Error(err))
	}
	_ = rt.logger.Sync()
}
