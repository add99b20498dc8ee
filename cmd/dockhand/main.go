// dockhand is a multi-environment container control plane. The default
// invocation runs the API server; "dockhand worker <name>" runs one
// collection worker as a supervised child process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	activitystore "github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/agent/gateway"
	"github.com/dockhand/dockhand/internal/agent/ingest"
	"github.com/dockhand/dockhand/internal/api"
	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/database"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/db"
	envservice "github.com/dockhand/dockhand/internal/environment/service"
	envstore "github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/gitops"
	"github.com/dockhand/dockhand/internal/journal"
	notifservice "github.com/dockhand/dockhand/internal/notifications/service"
	notifstore "github.com/dockhand/dockhand/internal/notifications/store"
	"github.com/dockhand/dockhand/internal/registry"
	"github.com/dockhand/dockhand/internal/router"
	scanstore "github.com/dockhand/dockhand/internal/scan/store"
	schedmodels "github.com/dockhand/dockhand/internal/schedule/models"
	schedstore "github.com/dockhand/dockhand/internal/schedule/store"
	"github.com/dockhand/dockhand/internal/scheduler"
	settingsstore "github.com/dockhand/dockhand/internal/settings/store"
	"github.com/dockhand/dockhand/internal/stack/compose"
	stackstore "github.com/dockhand/dockhand/internal/stack/store"
	"github.com/dockhand/dockhand/internal/updater"
	"github.com/dockhand/dockhand/internal/updater/scanner"
	"github.com/dockhand/dockhand/internal/workers/events"
	"github.com/dockhand/dockhand/internal/workers/supervisor"
)

// selfImageName guards against the updater recreating its own container.
const selfImageName = "dockhand"

func main() {
	if len(os.Args) >= 3 && os.Args[1] == "worker" {
		runWorker(os.Args[2])
		return
	}
	runServer()
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting dockhand server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}

	// Embedded database, shared by every SQLite-backed repository.
	sqlDB, err := db.OpenSQLite(cfg.SQLitePath())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer sqlDB.Close()

	envRepo, err := envstore.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize environment store", zap.Error(err))
	}
	stackRepo, err := stackstore.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize stack store", zap.Error(err))
	}
	schedRepo, err := schedstore.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize schedule store", zap.Error(err))
	}
	scanRepo, err := scanstore.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize scan store", zap.Error(err))
	}
	settingsRepo, err := settingsstore.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize settings store", zap.Error(err))
	}
	notifRepo, err := notifstore.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize notification store", zap.Error(err))
	}
	activityRepo, pgDB, err := openActivityStore(ctx, cfg, sqlDB, log)
	if err != nil {
		log.Fatal("Failed to initialize activity store", zap.Error(err))
	}
	if pgDB != nil {
		defer pgDB.Close()
	}

	// Event broker: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Using NATS event broker", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event broker")
	}
	defer eventBus.Close()

	// Agent gateway and connection router.
	gw := gateway.NewGateway(envRepo, eventBus, log)
	defer gw.Shutdown()
	rt := router.NewRouter(envRepo, gw, log)

	// Compose engine and git stack syncing.
	engine := compose.NewEngine(compose.Options{
		StacksDir: cfg.StacksDir(),
		Timeout:   cfg.Compose.TimeoutDuration(),
		KillGrace: cfg.Compose.KillGraceDuration(),
	}, rt, gw, stackRepo, log)
	syncer := gitops.NewSyncer(cfg.GitReposDir(), engine, stackRepo, log)

	// Auto-update pipeline.
	scanRunner := scanner.NewRunner(scanner.Options{
		GrypeArgs:  cfg.Updates.DefaultGrypeArgs,
		TrivyArgs:  cfg.Updates.DefaultTrivyArgs,
		RequireAll: cfg.Updates.ScanRequireAll,
	}, log)
	registryClient := registry.NewClient(log)
	creds := updater.NewSettingsCredentialSource(settingsRepo)
	upd := updater.New(rt, scanRepo, scanRunner, registryClient, creds, eventBus, selfImageName, log)

	// Scheduler with the execution journal and the per-kind job runners.
	jrnl := journal.New(schedRepo, log)
	updaterJobs := updater.NewJobs(upd, jrnl, log)
	gitopsJobs := gitops.NewJobs(syncer, rt, stackRepo, jrnl, log)

	runner := scheduler.JobRunnerFunc(func(ctx context.Context, s *schedmodels.Schedule, trigger schedmodels.Trigger) {
		switch s.Kind {
		case schedmodels.KindContainerUpdate:
			updaterJobs.RunContainerUpdate(ctx, s, trigger)
		case schedmodels.KindEnvUpdateCheck:
			updaterJobs.RunEnvCheck(ctx, s, trigger)
		case schedmodels.KindGitStackSync:
			gitopsJobs.RunGitStackSync(ctx, s, trigger)
		default:
			log.Warn("Schedule has unknown kind",
				zap.String("schedule_id", s.ID), zap.String("kind", string(s.Kind)))
		}
	})
	sched := scheduler.New(ctx, schedRepo, runner, log)
	if err := sched.RegisterCleanupJobs(cfg.Cleanup, activityRepo, scanRepo, jrnl, log); err != nil {
		log.Fatal("Failed to register cleanup jobs", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// Edge agents push events and metrics through the gateway; the ingester
	// persists them with the same pipeline the event worker uses.
	pipeline := events.NewPipeline(activityRepo, eventBus, log)
	ingester := ingest.New(pipeline, activityRepo, eventBus, log)
	if err := ingester.Start(); err != nil {
		log.Fatal("Failed to start agent ingester", zap.Error(err))
	}
	defer ingester.Stop()

	notifier := notifservice.NewNotifier(notifRepo, eventBus, log)
	if err := notifier.Start(); err != nil {
		log.Fatal("Failed to start notifier", zap.Error(err))
	}
	defer notifier.Stop()

	// Collection workers run as supervised child processes.
	sup, err := supervisor.New(eventBus, cfg.RunDir(), nil, log)
	if err != nil {
		log.Fatal("Failed to create worker supervisor", zap.Error(err))
	}
	sup.Start(ctx, "events")
	sup.Start(ctx, "metrics")

	envService := envservice.New(envRepo, rt, eventBus, log)
	envService.SetConnectionCloser(gw)
	envService.OnChange(func(ctx context.Context, environmentID string) {
		sup.Refresh(environmentID)
	})
	envService.OnChange(func(ctx context.Context, environmentID string) {
		if err := sched.RefreshForEnvironment(ctx, environmentID); err != nil {
			log.Warn("Failed to refresh schedules",
				zap.String("environment_id", environmentID), zap.Error(err))
		}
	})

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(api.CORSMiddleware())

	apiServer := api.NewServer(api.Options{
		Environments: envService,
		Router:       rt,
		Gateway:      gw,
		Engine:       engine,
		Stacks:       stackRepo,
		Schedules:    schedRepo,
		Scheduler:    sched,
		Activity:     activityRepo,
		Scans:        scanRepo,
		Updater:      upd,
		Syncer:       syncer,
		Notifier:     notifier,
		Providers:    notifRepo,
	}, log)
	apiServer.RegisterRoutes(ginRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Stop the workers and wait for them to drain.
	cancel()
	sup.Wait()

	log.Info("Shutdown complete")
}

// openActivityStore selects the activity backend: PostgreSQL when a
// database host is configured, the shared SQLite handle otherwise.
func openActivityStore(ctx context.Context, cfg *config.Config, sqlDB *sql.DB, log *logger.Logger) (activitystore.Repository, *database.DB, error) {
	if !cfg.Database.UsePostgresActivity() {
		repo, err := activitystore.NewSQLiteRepositoryWithDB(sqlDB)
		return repo, nil, err
	}

	pgDB, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	repo, err := activitystore.NewPostgresRepository(ctx, pgDB)
	if err != nil {
		pgDB.Close()
		return nil, nil, err
	}
	log.Info("Using PostgreSQL activity backend", zap.String("host", cfg.Database.Host))
	return repo, pgDB, nil
}
