// Copyright 2024 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/api"
	"github.com/turtacn/mqtt-gateway/pkg/broker"
	"github.com/turtacn/mqtt-gateway/pkg/config"
	"github.com/turtacn/mqtt-gateway/pkg/gateway"
	"github.com/turtacn/mqtt-gateway/pkg/hub"
	"github.com/turtacn/mqtt-gateway/pkg/ingest"
	"github.com/turtacn/mqtt-gateway/pkg/lifecycle"
	"github.com/turtacn/mqtt-gateway/pkg/logging"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
	"github.com/turtacn/mqtt-gateway/pkg/monitor"
	"github.com/turtacn/mqtt-gateway/pkg/relay"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
	"github.com/turtacn/mqtt-gateway/pkg/storage/sqlstore"
	gwtls "github.com/turtacn/mqtt-gateway/pkg/tls"
)

// app holds every component of a running gateway.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	broker   *broker.Broker
	dir      storage.Directory
	store    storage.MessageStore
	closer   io.Closer
	hub      *hub.Hub
	redis    *redis.Client
	relay    *relay.Relay
	pipeline *ingest.Pipeline
	manager  *lifecycle.Manager
	gateway  *gateway.Gateway
	health   *monitor.HealthChecker
	server   *http.Server
	metrics  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	logger = logging.OrNop(logger)
	a := &app{cfg: cfg, logger: logger}

	tlsConfig, err := brokerTLS(cfg.Gateway.TLS, logger)
	if err != nil {
		return nil, err
	}

	a.dir, a.store, a.closer, err = openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	a.hub = hub.New(hub.Options{
		BufferSize:     cfg.Hub.BufferSize,
		PingInterval:   cfg.Hub.PingInterval.Std(),
		MaxMissedPongs: cfg.Hub.MaxMissedPongs,
		Logger:         logger,
	})

	var events hub.Broadcaster = a.hub
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.relay = relay.New(a.redis, a.hub, relay.Options{
			NodeID:  cfg.Gateway.NodeID,
			Channel: cfg.Redis.Channel,
			Logger:  logger,
		})
		events = a.relay
	}

	a.pipeline = ingest.New(a.dir, a.store, events, ingest.Options{
		Shards:              cfg.Ingest.Shards,
		QueueSize:           cfg.Ingest.QueueSize,
		HighWaterMark:       cfg.Ingest.HighWaterMark,
		RetentionCheckEvery: cfg.Ingest.RetentionCheckEvery,
		Logger:              logger,
	})
	a.manager = lifecycle.New(a.dir, a.pipeline, events, lifecycle.Options{
		ConnectTimeout:    cfg.Gateway.ConnectTimeout.Std(),
		OperationTimeout:  cfg.Gateway.OperationTimeout.Std(),
		DisconnectQuiesce: cfg.Gateway.DisconnectQuiesce.Std(),
		KeepAlive:         cfg.Gateway.KeepAlive.Std(),
		TLSConfig:         tlsConfig,
		Logger:            logger,
	})
	a.gateway = gateway.New(a.dir, a.store, a.manager, logger)
	a.health = a.healthChecks()

	if cfg.Gateway.EmbeddedBroker.Enabled {
		a.broker = broker.New(cfg.Gateway.EmbeddedBroker.Address, logger)
	}

	a.server = &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.HTTP.MetricsAddress != "" {
		a.metrics = metrics.NewServer(cfg.HTTP.MetricsAddress, cfg.HTTP.MetricsPath)
	}
	return a, nil
}

// handler mounts the REST API, the WebSocket endpoint and the metrics.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	apiServer := api.NewAPIServer(a.gateway, a.logger)
	apiServer.SetHealthChecker(a.health)
	apiServer.RegisterRoutes(mux)
	mux.Handle("GET "+a.cfg.HTTP.WSPath, a.hub.Handler(hub.HandlerOptions{
		WriteTimeout:   a.cfg.Hub.WriteTimeout.Std(),
		AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
	}))
	if a.cfg.HTTP.MetricsAddress == "" {
		mux.Handle("GET "+a.cfg.HTTP.MetricsPath, metrics.Handler())
	}
	return mux
}

// healthChecks registers readiness checks for the storage backend and, when
// enabled, the Redis relay. Losing the relay only degrades the node.
func (a *app) healthChecks() *monitor.HealthChecker {
	hc := monitor.NewHealthChecker(a.cfg.Gateway.NodeID, a.logger)
	hc.RegisterCheck("storage", true, func(ctx context.Context) error {
		_, err := a.store.Count(ctx)
		return err
	})
	if a.redis != nil {
		hc.RegisterCheck("redis", false, func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	return hc
}

// start brings the components up in dependency order and starts serving
// HTTP on l.
func (a *app) start(ctx context.Context, l net.Listener) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.broker != nil {
		if err := a.broker.Start(); err != nil {
			return fmt.Errorf("failed to start embedded broker: %w", err)
		}
	}
	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
	}
	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.hub.Run(ctx)
	}()
	if a.metrics != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	a.logger.Info("HTTP server listening",
		zap.String("addr", l.Addr().String()),
		zap.String("ws_path", a.cfg.HTTP.WSPath),
		zap.String("metrics_path", a.cfg.HTTP.MetricsPath),
	)

	if a.cfg.Gateway.RestoreOnStart {
		if _, err := a.manager.Restore(ctx); err != nil {
			a.logger.Warn("Some connections could not be restored", zap.Error(err))
		}
	}
	return nil
}

// stop shuts the components down in reverse order.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if err := a.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}
	if err := a.pipeline.Stop(); err != nil && !errors.Is(err, ingest.ErrNotStarted) {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	a.hub.Shutdown()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	if err := a.closer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	return errors.Join(errs...)
}

// brokerTLS loads the client TLS settings. It returns nil when none are
// configured so the lifecycle falls back to system roots.
func brokerTLS(cfg config.TLSConfig, logger *zap.Logger) (*tls.Config, error) {
	opts := gwtls.Options{
		CAFile:             cfg.CAFile,
		CertFile:           cfg.CertFile,
		KeyFile:            cfg.KeyFile,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         cfg.MinVersion,
	}
	if !opts.Enabled() {
		return nil, nil
	}
	tlsConfig, err := gwtls.ClientConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker TLS settings: %w", err)
	}
	if soon, notAfter, err := gwtls.ExpiresWithin(tlsConfig, 30*24*time.Hour); err == nil && soon {
		logger.Warn("Broker client certificate expires soon", zap.Time("not_after", notAfter))
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("Broker certificate verification is disabled")
	}
	return tlsConfig, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Directory, storage.MessageStore, io.Closer, error) {
	var dialect sqlstore.Dialect
	switch cfg.Driver {
	case config.DriverMemory:
		store := storage.NewMemMessageStore()
		return storage.NewMemDirectory(), store, store, nil
	case config.DriverSQLite:
		dialect = sqlstore.DialectSQLite
	case config.DriverPostgres:
		dialect = sqlstore.DialectPostgres
	default:
		return nil, nil, nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	s, err := sqlstore.Open(ctx, dialect, cfg.DSN, sqlstore.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, nil, nil, err
	}
	logger.Info("Storage opened", zap.String("driver", cfg.Driver))
	return s, s, s, nil
}
