// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/holomush/pluginrt/internal/config"
	"github.com/holomush/pluginrt/internal/logging"
	plugins "github.com/holomush/pluginrt/internal/plugin"
	"github.com/holomush/pluginrt/internal/plugin/capability"
	"github.com/holomush/pluginrt/internal/plugin/goplugin"
	pluginlua "github.com/holomush/pluginrt/internal/plugin/lua"
	"github.com/holomush/pluginrt/internal/registry"
	"github.com/holomush/pluginrt/internal/runtime"
	"github.com/holomush/pluginrt/internal/secrets"
	"github.com/holomush/pluginrt/internal/statestore"
	"github.com/holomush/pluginrt/plugins/counter"
)

// app is the runtime and its collaborators built from a Config.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *registry.Registry
	runtime  *runtime.Runtime
	hosts    []plugins.Instantiator
	store    statestore.Closer
}

// appOptions tune newApp for one command.
type appOptions struct {
	logLevel slog.Level
	logOut   io.Writer
	metrics  prometheus.Registerer
	// withStore opens the checkpoint store.
	withStore bool
}

func invalidConfig(err error) error {
	return oops.Code("CONFIG_INVALID").Wrap(err)
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (_ *app, err error) {
	logger := logging.SetupLevel("pluginrt", version, cfg.LogFormat, opts.logLevel, opts.logOut)
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	store := secrets.NewStore(nil)
	if cfg.SecretsFile != "" {
		if store, err = secrets.LoadFile(cfg.SecretsFile); err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("secrets_file", cfg.SecretsFile).Wrap(err)
		}
	}

	resolver, err := a.remoteResolver(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := a.entries(ctx)
	if err != nil {
		return nil, err
	}
	a.registry, err = registry.New(entries,
		registry.WithResolver(registry.KindRemote, resolver),
		registry.WithLogger(logger))
	if err != nil {
		return nil, invalidConfig(err)
	}

	rtOpts := []runtime.Option{
		runtime.WithSecrets(store),
		runtime.WithLogger(logger),
	}
	if len(cfg.Grants) > 0 {
		enforcer := capability.NewEnforcer()
		if err := enforcer.LoadGrants(cfg.Grants); err != nil {
			return nil, invalidConfig(err)
		}
		rtOpts = append(rtOpts, runtime.WithMiddleware(capability.Middleware(enforcer)))
	}
	if opts.metrics != nil {
		rtOpts = append(rtOpts, runtime.WithMetrics(opts.metrics))
	}
	if a.runtime, err = runtime.New(a.registry, rtOpts...); err != nil {
		return nil, err //nolint:wrapcheck // already coded
	}

	if opts.withStore {
		if a.store, err = statestore.Open(ctx, cfg.StateStore.Driver, cfg.StateStore.URL); err != nil {
			return nil, err //nolint:wrapcheck // already coded
		}
	}
	return a, nil
}

// remoteResolver builds the resolver for artifacts with the Lua and binary
// hosts, the configured shared dependencies and an S3 fetcher when an entry
// needs one.
func (a *app) remoteResolver(ctx context.Context) (*registry.RemoteResolver, error) {
	shared, err := registry.NewSharedScope(a.cfg.HostDependencies()...)
	if err != nil {
		return nil, invalidConfig(err)
	}
	luaHost, err := pluginlua.NewHost(pluginlua.WithLogger(a.logger))
	if err != nil {
		return nil, oops.Code("LOAD_ERROR").Wrap(err)
	}
	binaryHost := goplugin.NewHost(goplugin.WithLogger(a.logger))
	a.hosts = append(a.hosts, luaHost, binaryHost)

	opts := []registry.RemoteOption{
		registry.WithInstantiator(luaHost),
		registry.WithInstantiator(binaryHost),
		registry.WithSharedScope(shared),
		registry.WithRemoteLogger(a.logger),
	}
	if a.needsS3() {
		fetcher, err := registry.NewS3FetcherFromEnv(ctx, a.cfg.S3Region)
		if err != nil {
			return nil, oops.Code("CONFIG_INVALID").Wrap(err)
		}
		opts = append(opts, registry.WithFetcher("s3", fetcher))
	}
	return registry.NewRemoteResolver(opts...), nil
}

func (a *app) needsS3() bool {
	for _, e := range a.cfg.Registry {
		if u, err := url.Parse(e.URL); err == nil && u.Scheme == "s3" {
			return true
		}
	}
	return false
}

// entries lists the built-in plugins, then those discovered in the plugins
// directory, then the configured registry. Later sources replace earlier
// entries with the same id.
func (a *app) entries(ctx context.Context) ([]registry.Entry, error) {
	byID := map[string]registry.Entry{counter.ID: registry.Embedded(counter.Descriptor())}
	order := []string{counter.ID}
	add := func(e registry.Entry) {
		if _, ok := byID[e.ID]; !ok {
			order = append(order, e.ID)
		}
		byID[e.ID] = e
	}

	if a.cfg.PluginsDir != "" {
		found, err := plugins.NewManager(a.cfg.PluginsDir, plugins.WithLogger(a.logger)).Discover(ctx)
		if err != nil {
			return nil, oops.Code("LOAD_ERROR").With("plugins_dir", a.cfg.PluginsDir).Wrap(err)
		}
		for _, p := range found {
			add(registry.Remote(p.Manifest.Name, registry.Locator{URL: p.URL(), Description: p.Manifest.Description}))
		}
	}
	for _, e := range a.cfg.Registry {
		add(e.Entry())
	}

	entries := make([]registry.Entry, 0, len(order))
	for _, id := range order {
		entries = append(entries, byID[id])
	}
	return entries, nil
}

// close shuts the runtime down and releases hosts and the store. Failures
// are logged.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.runtime != nil {
		errs = append(errs, a.runtime.Shutdown(ctx))
	}
	for _, h := range a.hosts {
		errs = append(errs, h.Close(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}
