package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/db"
	envstore "github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/router"
	"github.com/dockhand/dockhand/internal/workers/events"
	"github.com/dockhand/dockhand/internal/workers/ipc"
	"github.com/dockhand/dockhand/internal/workers/metrics"
)

// statusInterval is the worker heartbeat cadence on the IPC stream.
const statusInterval = 30 * time.Second

// runWorker is the child-process entry point. Stdout carries the IPC
// stream, so logs are forced to stderr regardless of config.
func runWorker(name string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.WithFields(zap.String("worker", name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Workers open their own database handle; WAL mode makes the file safe
	// to share across processes.
	sqlDB, err := db.OpenSQLite(cfg.SQLitePath())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer sqlDB.Close()

	envRepo, err := envstore.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize environment store", zap.Error(err))
	}
	activityRepo, pgDB, err := openActivityStore(ctx, cfg, sqlDB, log)
	if err != nil {
		log.Fatal("Failed to initialize activity store", zap.Error(err))
	}
	if pgDB != nil {
		defer pgDB.Close()
	}

	writer := ipc.NewWriter(os.Stdout)

	// With NATS the server sees worker events directly; otherwise the
	// process-local bus is wrapped so every publish is mirrored onto the
	// IPC stream and re-delivered by the supervisor.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = ipc.NewForwardingBus(bus.NewMemoryEventBus(log), writer)
	}
	defer eventBus.Close()

	rt := router.NewRouter(envRepo, nil, log)
	var refresh func(environmentID string)
	var stats func() ipc.StatusData

	switch name {
	case "events":
		pipeline := events.NewPipeline(activityRepo, eventBus, log)
		worker := events.NewWorker(envRepo, rt, pipeline, eventBus, log)
		go worker.Run(ctx)
		refresh = func(environmentID string) {
			if environmentID == "" {
				worker.Resync(ctx)
				return
			}
			worker.RefreshEnvironment(ctx, environmentID)
		}
		stats = func() ipc.StatusData {
			environments, processed, errs := worker.Stats()
			return ipc.StatusData{Worker: name, Environments: environments, Processed: processed, Errors: errs}
		}

	case "metrics":
		worker := metrics.NewWorker(envRepo, rt, activityRepo, eventBus, metrics.Options{
			StatsInterval:        time.Duration(cfg.Metrics.StatsInterval) * time.Second,
			DiskInterval:         time.Duration(cfg.Metrics.DiskInterval) * time.Second,
			DiskWarningThreshold: cfg.Metrics.DiskWarningThreshold,
		}, log)
		go worker.Run(ctx)
		// The metrics worker re-lists environments every sweep; dropping
		// the cached client is enough.
		refresh = func(environmentID string) {
			rt.Invalidate(environmentID)
		}
		stats = func() ipc.StatusData {
			samples, failures := worker.Stats()
			return ipc.StatusData{Worker: name, Processed: samples, Errors: failures}
		}

	default:
		log.Fatal("Unknown worker", zap.String("name", name))
	}

	if err := writer.Send(ipc.TypeReady, nil); err != nil {
		log.Fatal("Failed to write ready message", zap.Error(err))
	}
	log.Info("Worker running")

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := writer.Send(ipc.TypeStatus, stats()); err != nil {
					log.Warn("Failed to write status", zap.Error(err))
				}
			}
		}
	}()

	// Control loop: stdin closing means the server is gone; exit either way.
	reader := ipc.NewReader(os.Stdin)
	for {
		msg, err := reader.Next()
		if err != nil {
			if err != io.EOF {
				log.Warn("IPC read failed", zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case ipc.TypeRefresh:
			var data ipc.RefreshData
			if msg.Data != nil {
				if err := json.Unmarshal(msg.Data, &data); err != nil {
					continue
				}
			}
			refresh(data.EnvironmentID)
		case ipc.TypeShutdown:
			log.Info("Shutdown requested")
			return
		}
	}
}
