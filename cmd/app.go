// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/chainstream/broker"
	badgerbroker "github.com/absmach/chainstream/broker/badger"
	"github.com/absmach/chainstream/broker/codec"
	membroker "github.com/absmach/chainstream/broker/memory"
	pgbroker "github.com/absmach/chainstream/broker/postgres"
	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/config"
	"github.com/absmach/chainstream/metrics"
	"github.com/absmach/chainstream/rpc"
	"github.com/absmach/chainstream/server/health"
	"github.com/absmach/chainstream/server/otel"
	"github.com/absmach/chainstream/sink"
	badgersink "github.com/absmach/chainstream/sink/badger"
	memsink "github.com/absmach/chainstream/sink/memory"
	pgsink "github.com/absmach/chainstream/sink/postgres"
	"github.com/absmach/chainstream/storage/badger"
	"github.com/absmach/chainstream/storage/postgres"
)

// app holds the components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	recorder       metrics.Recorder
	metricsHandler http.Handler
	otelShutdown   func(context.Context) error

	broker broker.Broker
	sink   sink.Store
	checks []health.Option

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.Nop{},
	}

	if err := a.initMetrics(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"compression", cfg.Broker.Compression,
		"rpc_endpoints", len(cfg.RPC.URLs),
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"instance_id", cfg.Server.InstanceID,
		"log_level", cfg.Log.Level)

	return a, nil
}

func (a *app) initMetrics(ctx context.Context) error {
	srv := a.cfg.Server
	if !srv.MetricsEnabled {
		return nil
	}

	switch srv.MetricsExporter {
	case "prometheus":
		p := metrics.NewPrometheus()
		a.recorder = p
		a.metricsHandler = p.Handler()
		a.logger.Info("Prometheus metrics enabled", "path", "/metrics")

		// Traces may still be exported over OTLP.
		srv.OtelMetricsEnabled = false
	default:
		a.logger.Info("OpenTelemetry metrics enabled", "endpoint", srv.MetricsAddr)
	}

	if !srv.OtelMetricsEnabled && !srv.OtelTracesEnabled {
		return nil
	}

	shutdown, err := otel.InitProvider(ctx, srv)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.otelShutdown = shutdown

	if srv.OtelMetricsEnabled {
		rec, err := otel.NewRecorder(nil)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		a.recorder = rec
	}

	return nil
}

func (a *app) initStorage(ctx context.Context) error {
	cfg := a.cfg
	var raw broker.Broker

	switch cfg.Storage.Type {
	case "memory":
		raw = membroker.NewWithConfig(membroker.Config{PollInterval: cfg.Broker.PollInterval})
		a.sink = memsink.New()
		a.logger.Info("Using in-memory storage")

	case "badger":
		store, err := badger.New(badger.Config{
			Dir:        cfg.Storage.BadgerDir,
			SyncWrites: cfg.Storage.SyncWrites,
		})
		if err != nil {
			return fmt.Errorf("failed to open badger storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.checks = append(a.checks, health.WithCheck("storage", store))

		compression, err := codec.Parse(cfg.Broker.Compression)
		if err != nil {
			return err
		}
		raw = badgerbroker.New(store.DB(), badgerbroker.Config{
			PollInterval: cfg.Broker.PollInterval,
			Compression:  compression,
		}, a.logger)
		a.sink = badgersink.New(store.DB())
		a.logger.Info("Using BadgerDB storage", "dir", cfg.Storage.BadgerDir)

	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			URL:      cfg.Storage.PostgresURL,
			MaxConns: cfg.Storage.PostgresMaxConns,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.checks = append(a.checks, health.WithCheck("storage", store))

		raw = pgbroker.New(store.Pool(), cfg.Broker.PollInterval)
		a.sink = pgsink.New(store.Pool())
		a.logger.Info("Using PostgreSQL storage")

	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	// Closers run in reverse order: sink and broker before their storage.
	a.closers = append(a.closers, raw.Close, a.sink.Close)
	a.broker = metrics.Broker(raw, a.recorder)

	return nil
}

func (a *app) rpcClient() (*rpc.Client, error) {
	rc := a.cfg.RPC
	client, err := rpc.New(rpc.Config{
		URLs:             rc.URLs,
		Timeout:          rc.Timeout,
		ChunkSize:        rc.ChunkSize,
		RPS:              rc.RPS,
		Burst:            rc.Burst,
		EndpointRPS:      rc.EndpointRPS,
		MaxRetries:       rc.MaxRetries,
		BaseDelay:        rc.BaseDelay,
		MaxDelay:         rc.MaxDelay,
		BreakerThreshold: rc.BreakerThreshold,
		BreakerTimeout:   rc.BreakerTimeout,
	}, rpc.WithLogger(a.logger), rpc.WithRecorder(a.recorder))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		client.Close()
		return nil
	})

	return client, nil
}

func (a *app) querier() (sink.Querier, error) {
	q, ok := a.sink.(sink.Querier)
	if !ok {
		return nil, fmt.Errorf("storage %q cannot be queried", a.cfg.Storage.Type)
	}
	return q, nil
}

// tokenMetadata returns the stored metadata of contract when it matches the
// requested block. Otherwise it reads the metadata over RPC and stores it.
func (a *app) tokenMetadata(ctx context.Context, q sink.Querier, contract string, at *uint64, refresh bool) (chain.TokenMetadata, error) {
	if !refresh {
		md, ok, err := q.TokenMetadata(ctx, contract)
		if err != nil {
			return chain.TokenMetadata{}, fmt.Errorf("failed to read stored token metadata: %w", err)
		}
		if ok && (at == nil || (md.AsOfBlock != nil && *md.AsOfBlock == *at)) {
			a.logger.Debug("Using stored token metadata", "contract", md.Contract)
			return md, nil
		}
	}

	client, err := a.rpcClient()
	if err != nil {
		return chain.TokenMetadata{}, err
	}
	md, err := client.TokenMetadata(ctx, contract, at)
	if err != nil {
		return chain.TokenMetadata{}, err
	}

	if ms, ok := a.sink.(sink.MetadataStore); ok {
		if err := ms.SaveTokenMetadata(ctx, md); err != nil {
			return chain.TokenMetadata{}, fmt.Errorf("failed to store token metadata: %w", err)
		}
	}

	return md, nil
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, broker.ErrClosed) {
			a.logger.Error("Error during shutdown", "error", err)
		}
	}
	a.closers = nil

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			a.logger.Info("OpenTelemetry shutdown complete")
		}
		a.otelShutdown = nil
	}
}
