package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/config"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/health"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/server"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/users"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scriptroom-api",
		Short: "Collaborative screenplay sync backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCompactCommand(), newCheckCommand(), newRepairCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("fanout.redis_url"), "Redis URL for cross-instance fanout; empty runs a single instance")
	cmd.PersistentFlags().Bool("auto-repair", defaults.GetBool("divergence.auto_repair"), "Repair diverged documents during scheduled scans")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "fanout.redis_url", "redis-url")
	bindFlag(cmd, "divergence.auto_repair", "auto-repair")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collabMetrics := metrics.NewCollab(registry)

	rt, err := openRuntime(collabMetrics)
	if err != nil {
		return err
	}
	defer rt.close()
	appConfig, logger := rt.config, rt.logger

	var broker fanout.Broker
	if appConfig.Fanout.RedisURL != "" {
		redisBroker, err := fanout.NewRedisBroker(appConfig.Fanout.RedisURL)
		if err != nil {
			return err
		}
		broker = redisBroker
	}
	fanoutService := fanout.NewService(fanout.Config{
		Broker:         broker,
		ChannelPrefix:  appConfig.Fanout.ChannelPrefix,
		ConnectTimeout: appConfig.Fanout.ConnectTimeout,
		Logger:         logger,
		Metrics:        collabMetrics,
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fanoutService.Start(signalCtx); err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: rt.db})
	if err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}
	authenticator, err := server.NewTokenAuthenticator(validator, userService)
	if err != nil {
		return err
	}

	roomManager := rooms.NewManager(rooms.Config{Logger: logger, Metrics: collabMetrics})
	collabHandler, err := collab.NewHandler(collab.Config{
		Store:         rt.store,
		Directory:     rt.documents,
		Authenticator: authenticator,
		Rooms:         roomManager,
		Fanout:        fanoutService,
		ReadLimit:     appConfig.WebSocket.ReadLimitBytes,
		WriteTimeout:  appConfig.WebSocket.WriteTimeout,
		IdleTimeout:   appConfig.WebSocket.IdleTimeout,
		SendBuffer:    appConfig.WebSocket.SendBuffer,
		Logger:        logger,
		Metrics:       collabMetrics,
	})
	if err != nil {
		return err
	}

	reporter := health.NewReporter(health.Config{
		Store:          rt.store,
		Snapshots:      rt.snapshots,
		Detector:       rt.detector,
		Compaction:     rt.compaction,
		Rooms:          roomManager,
		Fanout:         fanoutService,
		MaxSnapshotAge: appConfig.Snapshots.MaxAge,
		Logger:         logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Collab:      collabHandler,
		Sessions:    validator,
		AdminRole:   appConfig.AdminRole,
		Snapshots:   rt.snapshots,
		Consistency: rt.detector,
		Health:      reporter,
		Gatherer:    registry,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	supervisor := workers.NewSupervisor(signalCtx, logger)
	tasks := map[string]workers.Task{
		"compaction": func(taskCtx context.Context) error {
			rt.compaction.Run(taskCtx, appConfig.Compaction.Interval)
			return nil
		},
		"snapshot_refresh": func(taskCtx context.Context) error {
			rt.snapshots.SchedulePeriodic(taskCtx, appConfig.Snapshots.Interval, appConfig.Snapshots.MaxAge, appConfig.Snapshots.BatchSize)
			return nil
		},
		"divergence_scan": func(taskCtx context.Context) error {
			rt.detector.Run(taskCtx, appConfig.Divergence.Interval, appConfig.Divergence.AutoRepair)
			return nil
		},
	}
	for name, task := range tasks {
		if err := supervisor.Go(name, task); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("fanout_mode", fanoutService.Mode()),
			zap.String("instance_id", fanoutService.InstanceID()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := collabHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("collab sessions did not drain", zap.Error(err))
	}
	if err := fanoutService.Close(); err != nil {
		logger.Warn("fanout close failed", zap.Error(err))
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background tasks did not stop", zap.Error(err))
	}
	logger.Info("server stopped")
	return serveErr
}
