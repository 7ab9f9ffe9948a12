package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/broadcast/gossip"
	"github.com/devrev/tabsync/internal/broadcast/grpcbus"
	"github.com/devrev/tabsync/internal/broadcast/memory"
	"github.com/devrev/tabsync/internal/broadcast/redisbus"
	"github.com/devrev/tabsync/internal/config"
	"github.com/devrev/tabsync/internal/metrics"
)

// openTransport builds the broadcast medium named by cfg.Transport.Kind.
// The memory transport only reaches process contexts inside this process.
func openTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (broadcast.Transport, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case "memory":
		return memory.New(logger, m), nil
	case "redis":
		t, err := redisbus.New(ctx, redisbus.Options{
			Addr:        tc.Redis.Addr,
			Password:    tc.Redis.Password,
			DB:          tc.Redis.DB,
			DialTimeout: tc.Redis.DialTimeout,
			KeyPrefix:   tc.Redis.KeyPrefix,
		}, logger, m)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "grpc":
		t, err := grpcbus.Dial(tc.GRPC.Address, logger, m)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "gossip":
		t, err := gossip.New(&gossip.Config{
			NodeName:       cfg.Node.Name,
			BindAddr:       tc.Gossip.BindAddr,
			BindPort:       tc.Gossip.BindPort,
			Seeds:          tc.Gossip.Seeds,
			GossipInterval: tc.Gossip.GossipInterval,
			ProbeInterval:  tc.Gossip.ProbeInterval,
		}, logger, m)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", tc.Kind)
	}
}
