// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/holomush/pluginrt/pkg/plugin"
)

// Manager runs descriptor lifecycle functions.
type Manager struct {
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a lifecycle manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize runs d.Initialize inside a new scope. Initialize is never
// cancelled once started: it receives a context detached from ctx's
// cancellation. On failure the scope is closed before the
// *plugin.ResourceError is returned, so nothing acquired stays open.
func (m *Manager) Initialize(ctx context.Context, d *plugin.Descriptor, cfg plugin.Config) (any, *Scope, error) {
	scope := NewScope(d.ID, m.logger)
	start := time.Now()

	deps, err := callInitialize(context.WithoutCancel(ctx), d, cfg, scope)
	if err != nil {
		cleanupErr := scope.Close(context.WithoutCancel(ctx))
		m.logger.Error("plugin initialize failed",
			"plugin", d.ID, "error", err, "released", cleanupErr == nil)
		return nil, nil, &plugin.ResourceError{
			PluginID: d.ID,
			Op:       plugin.OpInitialize,
			Err:      err,
			Cleanup:  cleanupErr,
		}
	}

	m.logger.Debug("plugin initialized",
		"plugin", d.ID, "resources", scope.Len(), "duration", time.Since(start))
	return deps, scope, nil
}

// Shutdown runs d.Shutdown and then closes scope, even when Shutdown fails.
// Failures are returned as a *plugin.ResourceError.
func (m *Manager) Shutdown(ctx context.Context, d *plugin.Descriptor, deps any, scope *Scope) error {
	var shutdownErr error
	if d.Shutdown != nil {
		shutdownErr = callShutdown(ctx, d, deps)
	}

	var closeErr error
	if scope != nil {
		closeErr = scope.Close(ctx)
	}

	if shutdownErr == nil && closeErr == nil {
		m.logger.Debug("plugin shut down", "plugin", d.ID)
		return nil
	}
	m.logger.Warn("plugin shutdown incomplete",
		"plugin", d.ID, "shutdown_error", shutdownErr, "release_error", closeErr)

	if shutdownErr == nil {
		return &plugin.ResourceError{PluginID: d.ID, Op: plugin.OpShutdown, Err: closeErr}
	}
	return &plugin.ResourceError{PluginID: d.ID, Op: plugin.OpShutdown, Err: shutdownErr, Cleanup: closeErr}
}

func callInitialize(ctx context.Context, d *plugin.Descriptor, cfg plugin.Config, scope *Scope) (deps any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("initialize panicked: %v", p)
		}
	}()
	return d.Initialize(ctx, cfg, scope)
}

func callShutdown(ctx context.Context, d *plugin.Descriptor, deps any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("shutdown panicked: %v", p)
		}
	}()
	return d.Shutdown(ctx, deps)
}
