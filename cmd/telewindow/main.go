package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"telewindow/internal/api"
	"telewindow/internal/config"
	"telewindow/internal/ingest"
	"telewindow/internal/lifecycle"
	"telewindow/internal/logging"
	"telewindow/internal/metrics"
	"telewindow/internal/model"
	"telewindow/internal/registry"
	"telewindow/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "telewindow.yaml", "path to YAML or JSON config")
	flag.Parse()

	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintln(os.Stderr, "telewindow:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfgManager, err := config.NewManager(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting telewindow", "version", version, "config", path, "widgets", len(cfg.Widgets))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promCollectors := metrics.NewCollectors(promRegistry)
	metricsStore := metrics.NewStore(cfg.Metrics.StoreLimit)
	lifecycleStore := lifecycle.NewStore(cfg.Lifecycle.StoreLimit)

	reg := registry.New(cfgManager, registry.Deps{
		Logger:     logger,
		Metrics:    metricsStore,
		Collectors: promCollectors,
		Lifecycle:  lifecycleStore,
		Store:      store,
	})
	if err := reg.Sync(ctx, cfg); err != nil {
		return fmt.Errorf("configure widgets: %w", err)
	}

	envelopes := make(chan model.Envelope, cfg.Ingest.ChannelBuffer)
	reg.Start(ctx, envelopes)

	sink := &ingest.Sink{Out: envelopes, Logger: logger, Drops: promCollectors.ChannelDrops}
	ingest.StartREST(ctx, cfgManager, sink, logger)
	ingest.StartTCPStream(ctx, cfgManager, sink, logger)
	ingest.StartFileTail(ctx, cfgManager, sink, logger)
	ingest.StartKafka(ctx, cfgManager, sink, logger)

	api.Start(ctx, cfgManager, api.Deps{
		Registry:   reg,
		Metrics:    metricsStore,
		Lifecycle:  lifecycleStore,
		Collectors: promCollectors,
		Gatherer:   promRegistry,
		Logger:     logger,
		Version:    version,
	})

	reg.Activate(ctx)

	go cfgManager.Watch(3*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "widgets", len(next.Widgets))
		if err := reg.Sync(ctx, next); err != nil {
			logger.Error("widget sync failed", "err", err)
		}
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
