// Package main runs one tab process: a local replica with its sync client,
// the shared worker whenever this process wins the election, and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/config"
	"github.com/devrev/tabsync/internal/election"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/health"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/server"
	"github.com/devrev/tabsync/internal/service"
	"github.com/devrev/tabsync/internal/shim"
	"github.com/devrev/tabsync/internal/store"
	"github.com/devrev/tabsync/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "failed to print configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Tab process failed", zap.Error(err))
	}
	logger.Info("Tab process shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting tab process",
		zap.String("worker_url", cfg.Node.WorkerURL),
		zap.String("transport", cfg.Transport.Kind),
		zap.Bool("native", cfg.Shim.Native))

	m := metrics.New()
	wire, err := codec.ByName(cfg.Transport.Codec)
	if err != nil {
		return err
	}

	local, err := store.Open(ctx, storeOptions(cfg, cfg.Store.LocalDSN, logger.Named("local-store")))
	if err != nil {
		return errors.InitFailed("open local store", err)
	}
	defer local.Close()

	tr, err := openTransport(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer tr.Close()

	pc := process.New(tr, logger, m)
	// Unloading stops the sync client and releases the worker to a peer.
	defer pc.Unload()

	openWorkerStore := func(ctx context.Context) (store.Store, error) {
		return store.Open(ctx, storeOptions(cfg, cfg.Store.WorkerPath, logger.Named("worker-store")))
	}
	shimOpts := shim.Options{
		Factory: service.WorkerFactory(pc, openWorkerStore, service.WorkerConfig{
			Topic:     transport.TopicName(cfg.Node.WorkerURL),
			QueueSize: cfg.Sync.WorkerQueue,
			Codec:     wire,
		}),
		ReadyTimeout: cfg.Shim.ReadyTimeout,
		Election: election.Config{
			ResponseTime:      cfg.Election.ResponseTime,
			HeartbeatInterval: cfg.Election.HeartbeatInterval,
			LeaderTimeout:     cfg.Election.LeaderTimeout,
			FallbackInterval:  cfg.Election.FallbackInterval,
		},
	}
	if cfg.Shim.Native {
		shimOpts.Native = shim.NewNativeRegistry()
	}

	client := service.NewSyncClientService(pc, local, service.ClientConfig{
		WorkerURL:      cfg.Node.WorkerURL,
		RequestTimeout: cfg.Sync.RequestTimeout,
		EventBuffer:    cfg.Sync.EventBuffer,
		Shim:           shimOpts,
		Codec:          wire,
	})
	if err := client.Start(ctx); err != nil {
		return err
	}

	hc := health.NewHealthCheck(logger.Named("health"))
	hc.Register("sync_client", func(context.Context) error {
		if state := client.State(); state != service.StateRunning {
			return errors.NotRunning(string(state))
		}
		return nil
	})
	hc.Register("local_store", local.Ping)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.NewServer(cfg, client, hc, m, logger.Named("http")).Run(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, m, logger.Named("metrics")).Run(gctx)
		})
	}
	g.Go(func() error {
		watchEvents(gctx, client, logger.Named("events"))
		return nil
	})

	return g.Wait()
}

func storeOptions(cfg *config.Config, dsn string, logger *zap.Logger) store.Options {
	return store.Options{
		DSN:           dsn,
		BusyTimeoutMS: cfg.Store.BusyTimeoutMS,
		Schema:        cfg.Store.Schema,
		Tables:        cfg.Store.Tables,
		Logger:        logger,
	}
}

func watchEvents(ctx context.Context, client *service.SyncClientService, logger *zap.Logger) {
	events, cancel := client.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case service.TablesChanged:
				logger.Info("Tables changed by peers", zap.Strings("tables", e.Tables))
			case service.Failure:
				logger.Warn("Sync failure", zap.Error(e.Err))
			}
		}
	}
}
