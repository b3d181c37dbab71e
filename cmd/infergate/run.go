// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infergate/infergate/internal/breaker"
	"github.com/infergate/infergate/internal/cluster"
	"github.com/infergate/infergate/internal/config"
	"github.com/infergate/infergate/internal/gateway"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/pprof"
	"github.com/infergate/infergate/internal/websearch"
)

const shutdownGrace = 10 * time.Second

// runtime holds the assembled gateway and its teardown.
type runtime struct {
	cfg     *config.Config
	api     http.Handler
	admin   http.Handler
	cleanup func()
}

// newRuntime builds every component from the configuration. The returned
// cleanup tears them down in reverse order; individual failures are logged
// and swallowed so the rest still run.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	prov, err := metrics.NewProvider()
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}

	mgr, err := cluster.Initialize(ctx, cfg.ClusterConfig(), logger)
	if err != nil {
		_ = prov.Shutdown(context.Background())
		return nil, fmt.Errorf("initialize cluster: %w", err)
	}

	brk := breaker.New(cfg.Breaker.ToBreaker(), logger)
	brk.OnStateChange(func(state breaker.State, reason string) {
		logger.Warn("circuit breaker state change",
			slog.String("state", state.String()),
			slog.String("reason", reason))
	})

	var search *websearch.Executor
	if cfg.Search.Enabled {
		search = websearch.NewExecutor(cfg.Search.ToSearch(), logger)
	}

	srv := gateway.New(cfg, mgr, brk, search, metrics.NewMessagesFactory(prov.Meter), logger)
	return &runtime{
		cfg:   cfg,
		api:   srv.Handler(),
		admin: srv.AdminHandler(prov.Registry),
		cleanup: func() {
			mgr.Shutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := prov.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown failed", slog.String("error", err.Error()))
			}
		},
	}, nil
}

// run starts the gateway and blocks until the context is cancelled or a
// listener fails.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.Path, logger)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	pprof.Run(ctx, logger)

	servers := []*http.Server{{
		Addr:              cfg.Server.Addr,
		Handler:           rt.api,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.Server.AdminAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.AdminAddr,
			Handler:           rt.admin,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening", slog.String("addr", s.Addr))
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown failed", slog.String("addr", s.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	logger.Info("infergate started",
		slog.String("addr", cfg.Server.Addr),
		slog.String("strategy", cfg.Routing.Strategy),
		slog.Int("nodes", len(cfg.Discovery.Nodes)))
	return g.Wait()
}
