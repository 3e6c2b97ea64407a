// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginrt/internal/config"
	"github.com/holomush/pluginrt/internal/observability"
	"github.com/holomush/pluginrt/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime with health, readiness and metrics endpoints",
		Long: `Preload the configured plugin instances and serve /healthz/liveness,
/healthz/readiness, /metrics and /plugins until interrupted.`,
		RunE: runServe,
	}
	cmd.Flags().String("metrics-addr", config.DefaultMetricsAddr, "observability server address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var a *app
	ready := func() bool { return a != nil && a.runtime.Ready() }
	server := observability.NewServer(cfg.MetricsAddr, ready,
		observability.WithHandler("/plugins", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(a.status())
		})))

	a, err = newApp(ctx, cfg, appOptions{logOut: cmd.ErrOrStderr(), metrics: server.Registerer()})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer shutdownCancel()
		a.close(shutdownCtx)
	}()

	if err := a.preload(ctx); err != nil {
		return err
	}

	errCh, err := server.Start()
	if err != nil {
		return oops.Code("SERVER_START_FAILED").With("addr", cfg.MetricsAddr).Wrap(err)
	}
	a.logger.Info("pluginrt serving",
		"addr", server.Addr(),
		"plugins", len(a.registry.Entries()),
		"instances", len(a.runtime.Instances()))

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			errutil.LogError(a.logger, "observability server failed", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("observability server stop failed", "error", err)
	}
	return nil
}

// preload initializes every configured instance. The first failure aborts.
func (a *app) preload(ctx context.Context) error {
	for _, p := range a.cfg.Preload {
		if _, err := a.runtime.UsePlugin(ctx, p.ID, p.PluginConfig()); err != nil {
			return oops.With("preload", p.ID).Wrap(err)
		}
		a.logger.Debug("plugin preloaded", "plugin", p.ID)
	}
	return nil
}
