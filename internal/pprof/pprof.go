// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pprof runs the profiling server alongside the gateway.
package pprof

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"time"
)

const (
	// The same default port as in the Go pprof documentation.
	pprofPort = "6060"
	// DisableEnvVarKey is the environment variable name to disable the pprof
	// server. Any value disables it.
	DisableEnvVarKey = "DISABLE_PPROF"
)

// Run starts the pprof server unless DISABLE_PPROF is set. Non-blocking; the
// server runs in a separate goroutine until the context is cancelled.
//
// Enabling pprof by default helps with debugging performance issues in
// production. The impact is negligible while the endpoints are not accessed.
func Run(ctx context.Context, logger *slog.Logger) {
	if _, disabled := os.LookupEnv(DisableEnvVarKey); disabled {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{Addr: ":" + pprofPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting pprof server", slog.String("port", pprofPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("pprof server stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pprof server shutdown failed", slog.String("error", err.Error()))
		}
	}()
}
