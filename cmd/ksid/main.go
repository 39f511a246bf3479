// Command ksid runs the event routing daemon: the dispatcher, the
// correlation tracer, the event log, the routing rule store, and the
// audit trail, wired together with their background tasks.
//
// All operator functionality is exposed through the dispatch contract
// itself, via the built-in handlers registered in handlers.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/durapensa/ksi-sub004/pkg/ksi/audit"
	"github.com/durapensa/ksi-sub004/pkg/ksi/config"
	"github.com/durapensa/ksi-sub004/pkg/ksi/eventlog"
	"github.com/durapensa/ksi-sub004/pkg/ksi/observability"
	"github.com/durapensa/ksi-sub004/pkg/ksi/router"
	"github.com/durapensa/ksi-sub004/pkg/ksi/routing"
	"github.com/durapensa/ksi-sub004/pkg/ksi/trace"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "ksid:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.New(nil)
	if configPath != "" {
		loaded, err := config.FromFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	settings := config.DaemonFromConfig(cfg)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(settings.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logStore, err := eventlog.NewStore(filepath.Join(settings.DataDir, "events.db"))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer logStore.Close()

	auditStore, err := audit.NewStore(filepath.Join(settings.DataDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer auditStore.Close()

	tracer := trace.NewTracer().WithLogger(logger)
	metrics := observability.NewMetricsRecorder()

	log := eventlog.NewLog(eventlog.Config{
		Capacity:      settings.EventLogCapacity,
		QueueSize:     settings.EventLogQueueSize,
		FlushInterval: settings.EventLogFlushInterval,
		MaxBatch:      settings.EventLogMaxBatch,
		Retention:     settings.EventLogRetention,
		Metrics:       metrics,
		Logger:        logger,
	}, logStore)

	trail := audit.NewTrail(audit.Config{
		MaxEntries:       settings.AuditMaxEntries,
		SnapshotInterval: settings.AuditSnapshotInterval,
		Logger:           logger,
	}, auditStore)

	bridge := routing.NewBridge().WithLogger(logger)
	rules := routing.NewStore(routing.StoreConfig{
		SweepInterval: settings.RoutingSweepInterval,
		Logger:        logger,
	}, bridge, trail)

	dispatcher := router.NewDispatcher(router.Config{
		MaxDepth:       settings.MaxDepth,
		RequestTimeout: settings.RequestTimeout,
		Logger:         logger,
		Metrics:        metrics,
		Spans:          observability.NewSpanManager(),
	}, tracer, log, bridge, trail)

	registerBuiltins(dispatcher, log, trail, tracer, rules)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	background := []func(){
		func() { log.Run(ctx) },
		func() { trail.Run(ctx) },
		func() { rules.Run(ctx) },
		func() { tracer.Run(ctx, settings.TraceCleanupInterval, settings.TraceMaxAge) },
	}
	for _, task := range background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task()
		}()
	}

	trail.SystemEvent("daemon_started", map[string]any{
		"data_dir":  settings.DataDir,
		"max_depth": settings.MaxDepth,
	})
	logger.Info("ksid started", "data_dir", settings.DataDir)

	<-ctx.Done()
	logger.Info("ksid shutting down")
	trail.SystemEvent("daemon_stopping", nil)

	// Background tasks flush and snapshot on their way out.
	wg.Wait()
	logger.Info("ksid stopped")
	return nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
