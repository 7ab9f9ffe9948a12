// Package main runs the gRPC broadcast bus that tab processes using the
// grpc transport connect to.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devrev/tabsync/internal/broadcast/grpcbus"
	"github.com/devrev/tabsync/internal/config"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
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
		logger.Fatal("Bus failed", zap.Error(err))
	}
	logger.Info("Bus shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()

	listener, err := net.Listen("tcp", cfg.Bus.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Bus.Listen, err)
	}

	grpcServer := grpc.NewServer(grpcbus.ServerOptions()...)
	grpcbus.NewServer(logger, m).Register(grpcServer)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting broadcast bus", zap.String("addr", listener.Addr().String()))
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down broadcast bus")
		healthServer.Shutdown()
		// Subscriptions are long-lived streams, so a graceful stop only
		// finishes once every tab has left.
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			grpcServer.Stop()
		}
		return nil
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, m, logger.Named("metrics")).Run(gctx)
		})
	}
	return g.Wait()
}
