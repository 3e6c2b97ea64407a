// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package runtime is the entry point for loading and calling plugins. It
// resolves a plugin, validates and hydrates its configuration, initializes
// one instance per fingerprint and hands out routers and streams.
package runtime

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/pluginrt/internal/instance"
	"github.com/holomush/pluginrt/internal/lifecycle"
	"github.com/holomush/pluginrt/internal/registry"
	"github.com/holomush/pluginrt/internal/router"
	"github.com/holomush/pluginrt/internal/secrets"
	"github.com/holomush/pluginrt/internal/stream"
	"github.com/holomush/pluginrt/pkg/errutil"
	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

// Runtime owns the plugin pipeline. It is safe for concurrent use.
type Runtime struct {
	registry     *registry.Registry
	secrets      secrets.Store
	fingerprints *instance.Fingerprinter
	cache        *instance.Cache
	lifecycle    *lifecycle.Manager
	builder      *router.Builder
	engine       *stream.Engine
	metrics      *Metrics
	tracer       trace.Tracer
	logger       *slog.Logger

	middleware   []plugin.Middleware
	idleDelay    time.Duration
	metricsReg   prometheus.Registerer
	shuttingDown atomic.Bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithSecrets sets the store placeholders are hydrated from.
func WithSecrets(store secrets.Store) Option {
	return func(r *Runtime) {
		r.secrets = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithMetrics registers the runtime metrics with reg. Without it the
// metrics live in a private registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Runtime) {
		r.metricsReg = reg
	}
}

// WithTracer sets the tracer. The default is the global provider's.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runtime) {
		r.tracer = tracer
	}
}

// WithMiddleware adds middleware that runs before every procedure of every
// plugin.
func WithMiddleware(mw ...plugin.Middleware) Option {
	return func(r *Runtime) {
		r.middleware = append(r.middleware, mw...)
	}
}

// WithStreamIdleDelay sets the pause after an empty stream batch.
func WithStreamIdleDelay(d time.Duration) Option {
	return func(r *Runtime) {
		r.idleDelay = d
	}
}

// WithFingerprinter sets the fingerprinter. The default uses a random key.
func WithFingerprinter(f *instance.Fingerprinter) Option {
	return func(r *Runtime) {
		r.fingerprints = f
	}
}

// New creates a runtime over reg.
func New(reg *registry.Registry, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		registry: reg,
		secrets:  secrets.NewStore(nil),
		tracer:   otel.Tracer("pluginrt/runtime"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.fingerprints == nil {
		f, err := instance.NewFingerprinter()
		if err != nil {
			return nil, oops.In("runtime").Wrap(err)
		}
		r.fingerprints = f
	}
	if r.metricsReg == nil {
		r.metricsReg = prometheus.NewRegistry()
	}
	r.metrics = NewMetrics(r.metricsReg)

	r.lifecycle = lifecycle.NewManager(lifecycle.WithLogger(r.logger))
	r.builder = router.NewBuilder(
		router.WithMiddleware(r.middleware...),
		router.WithObserver(r.metrics.ObserveCall),
		router.WithLogger(r.logger),
	)
	engineOpts := []stream.EngineOption{
		stream.WithLogger(r.logger),
		stream.WithObserver(streamObserver{r.metrics}),
	}
	if r.idleDelay > 0 {
		engineOpts = append(engineOpts, stream.WithIdleDelay(r.idleDelay))
	}
	r.engine = stream.NewEngine(engineOpts...)
	r.cache = instance.New(r.teardown, instance.WithLogger(r.logger))
	return r, nil
}

// Metrics returns the runtime's collectors.
func (r *Runtime) Metrics() *Metrics {
	return r.metrics
}

// Registry returns the runtime's registry.
func (r *Runtime) Registry() *registry.Registry {
	return r.registry
}

// UsePlugin returns the instance of id for cfg, creating it on first use.
// Concurrent calls with an equal id and config share one initialization.
func (r *Runtime) UsePlugin(ctx context.Context, id string, cfg plugin.Config) (_ *Plugin, err error) {
	ctx, span := r.tracer.Start(ctx, "runtime.use_plugin", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	d, err := r.resolve(ctx, id)
	if err != nil {
		return nil, wrap(id, err)
	}

	fingerprint, err := r.fingerprints.Fingerprint(id, cfg)
	if err != nil {
		return nil, wrap(id, &plugin.ValidationError{PluginID: id, Stage: plugin.StageConfig, Detail: err.Error(), Err: err})
	}

	inst, outcome, err := r.cache.GetOrCreate(ctx, id, fingerprint, r.create(d, cfg, fingerprint))
	r.metrics.recordLookup(outcome)
	span.SetAttributes(attribute.String("cache.outcome", outcome.String()))
	if err != nil {
		return nil, wrap(id, err)
	}
	return &Plugin{inst: inst}, nil
}

func (r *Runtime) resolve(ctx context.Context, id string) (*plugin.Descriptor, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.resolve", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	d, err := r.registry.Resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d, err
}

// create runs validation, hydration, initialization and router building
// for one fingerprint.
func (r *Runtime) create(d *plugin.Descriptor, cfg plugin.Config, fingerprint string) instance.CreateFunc {
	return func(ctx context.Context) (_ *instance.Instance, err error) {
		ctx, span := r.tracer.Start(ctx, "runtime.initialize", trace.WithAttributes(attribute.String("plugin.id", d.ID)))
		defer func() {
			r.metrics.Initializations.WithLabelValues(d.ID, result(err)).Inc()
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()

		variables, err := schema.Validate(d.Schemas.Variables, cfg.Variables, d.ID, plugin.StageConfig)
		if err != nil {
			return nil, err
		}
		rawSecrets, err := schema.Validate(d.Schemas.Secrets, cfg.Secrets, d.ID, plugin.StageConfig)
		if err != nil {
			return nil, err
		}
		hydrated, err := secrets.Hydrate(d.ID, rawSecrets, r.secrets)
		if err != nil {
			return nil, err
		}
		// Hydration works on the generic form; the schema restores its type.
		secretValues, err := schema.Validate(d.Schemas.Secrets, hydrated, d.ID, plugin.StageSecrets)
		if err != nil {
			return nil, err
		}

		deps, scope, err := r.lifecycle.Initialize(ctx, d, plugin.Config{Variables: variables, Secrets: secretValues})
		if err != nil {
			return nil, err
		}
		rt, err := r.builder.Build(d, deps)
		if err != nil {
			if tdErr := r.lifecycle.Shutdown(ctx, d, deps, scope); tdErr != nil {
				errutil.LogError(r.logger, "shutdown after router failure failed", tdErr)
			}
			return nil, err
		}

		inst := &instance.Instance{
			ID:           ulid.Make(),
			PluginID:     d.ID,
			Fingerprint:  fingerprint,
			Descriptor:   d,
			Dependencies: deps,
			Scope:        scope,
			Router:       rt,
			CreatedAt:    time.Now(),
		}
		r.metrics.LiveInstances.Inc()
		r.logger.Info("plugin initialized",
			"plugin", d.ID,
			"version", d.Version,
			"instance", inst.ID.String())
		return inst, nil
	}
}

func (r *Runtime) teardown(ctx context.Context, inst *instance.Instance) error {
	err := r.lifecycle.Shutdown(ctx, inst.Descriptor, inst.Dependencies, inst.Scope)
	r.metrics.LiveInstances.Dec()
	if err != nil {
		r.metrics.ShutdownFailures.WithLabelValues(inst.PluginID).Inc()
		r.logger.Warn("plugin shutdown failed",
			"plugin", inst.PluginID, "instance", inst.ID.String(), "error", err)
		return err
	}
	r.logger.Info("plugin shut down", "plugin", inst.PluginID, "instance", inst.ID.String())
	return nil
}

// StreamPlugin returns a lazy stream over a streaming procedure. Nothing
// runs until the sequence is ranged over; setup failures are yielded as
// the only element.
func (r *Runtime) StreamPlugin(ctx context.Context, id string, cfg plugin.Config, procedure string, req plugin.StreamRequest, opts stream.Options) iter.Seq2[stream.Item, error] {
	return func(yield func(stream.Item, error) bool) {
		p, err := r.UsePlugin(ctx, id, cfg)
		if err != nil {
			yield(stream.Item{}, err)
			return
		}
		client, err := p.CreateClient(req.Context)
		if err != nil {
			yield(stream.Item{}, wrapTyped(id, err))
			return
		}
		call, err := client.Open(ctx, procedure, req.Input)
		if err != nil {
			yield(stream.Item{}, wrapTyped(id, err))
			return
		}
		for item, err := range r.engine.Stream(ctx, call, req.State, opts) {
			if err != nil {
				err = wrapTyped(id, err)
			}
			if !yield(item, err) {
				return
			}
		}
	}
}

// ShutdownPlugin tears down every instance of id. The next UsePlugin for id
// initializes afresh.
func (r *Runtime) ShutdownPlugin(ctx context.Context, id string) error {
	if err := r.cache.Remove(ctx, id); err != nil {
		return oops.Code(plugin.CodeResource).In("runtime").With("plugin", id).Wrap(err)
	}
	return nil
}

// Shutdown tears down every instance concurrently. Every instance is
// attempted; failures are joined.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shuttingDown.Store(true)
	defer r.shuttingDown.Store(false)

	count := r.cache.Len()
	if err := r.cache.Clear(ctx); err != nil {
		return oops.Code(plugin.CodeResource).In("runtime").With("instances", count).Wrap(err)
	}
	r.logger.Info("runtime shut down", "instances", count)
	return nil
}

// Instances lists live instances ordered by creation time.
func (r *Runtime) Instances() []*instance.Instance {
	return r.cache.List()
}

// Ready reports whether the runtime accepts work.
func (r *Runtime) Ready() bool {
	return !r.shuttingDown.Load()
}

// wrap attaches the runtime error code and plugin id to err.
func wrap(id string, err error) error {
	errb := oops.In("runtime").With("plugin", id)
	if code := plugin.Code(err); code != "" {
		errb = errb.Code(code)
	}
	return errb.Wrap(err)
}

// wrapTyped is wrap for load, validation and resource errors. Other errors,
// such as a handler's own, are returned unchanged.
func wrapTyped(id string, err error) error {
	if plugin.Code(err) == "" {
		return err
	}
	return wrap(id, err)
}
