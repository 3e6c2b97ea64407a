// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package router turns an initialized plugin into a validated dispatch
// table and typed clients.
package router

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/holomush/pluginrt/pkg/plugin"
)

// Observer receives the outcome of every unary call and stream batch.
type Observer func(pluginID, procedure string, elapsed time.Duration, err error)

// IncompleteError reports a handler table that does not match the contract.
type IncompleteError struct {
	Missing    []string
	Unexpected []string
}

func (e *IncompleteError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing handlers: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "handlers without contract entry: "+strings.Join(e.Unexpected, ", "))
	}
	return strings.Join(parts, "; ")
}

// Builder produces routers. Middleware given to the builder runs before
// descriptor and procedure middleware on every plugin it builds.
type Builder struct {
	middleware []plugin.Middleware
	observer   Observer
	logger     *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMiddleware appends runtime-wide middleware.
func WithMiddleware(mw ...plugin.Middleware) BuilderOption {
	return func(b *Builder) {
		b.middleware = append(b.middleware, mw...)
	}
}

// WithObserver sets the call observer.
func WithObserver(o Observer) BuilderOption {
	return func(b *Builder) {
		b.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a router builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build calls d.CreateRouter(deps) and wraps every handler with validation
// and middleware. The table must cover the contract exactly; otherwise a
// *plugin.LoadError at the router stage is returned.
func (b *Builder) Build(d *plugin.Descriptor, deps any) (*Router, error) {
	handlers, err := createRouter(d, deps)
	if err != nil {
		return nil, &plugin.LoadError{PluginID: d.ID, Stage: plugin.StageRouter, Err: err}
	}

	incomplete := &IncompleteError{}
	routes := make(map[string]*route, len(d.Contract))
	for _, proc := range d.Contract {
		rt := &route{proc: proc, chain: b.chain(d, proc)}
		if proc.Streaming {
			rt.stream = handlers.Streams[proc.Name]
			if rt.stream == nil {
				incomplete.Missing = append(incomplete.Missing, proc.Name)
				continue
			}
		} else {
			rt.unary = handlers.Procedures[proc.Name]
			if rt.unary == nil {
				incomplete.Missing = append(incomplete.Missing, proc.Name)
				continue
			}
		}
		routes[proc.Name] = rt
	}
	for name := range handlers.Procedures {
		if p, ok := d.Contract.Lookup(name); !ok || p.Streaming {
			incomplete.Unexpected = append(incomplete.Unexpected, name)
		}
	}
	for name := range handlers.Streams {
		if p, ok := d.Contract.Lookup(name); !ok || !p.Streaming {
			incomplete.Unexpected = append(incomplete.Unexpected, name)
		}
	}
	if len(incomplete.Missing) > 0 || len(incomplete.Unexpected) > 0 {
		slices.Sort(incomplete.Missing)
		slices.Sort(incomplete.Unexpected)
		return nil, &plugin.LoadError{PluginID: d.ID, Stage: plugin.StageRouter, Err: incomplete}
	}

	b.logger.Debug("router built", "plugin", d.ID, "procedures", len(routes))
	return &Router{
		pluginID:      d.ID,
		contract:      d.Contract,
		contextSchema: d.Schemas.Context,
		routes:        routes,
		observer:      b.observer,
	}, nil
}

func (b *Builder) chain(d *plugin.Descriptor, proc plugin.Procedure) []plugin.Middleware {
	chain := make([]plugin.Middleware, 0, len(b.middleware)+len(d.Middleware)+len(proc.Middleware))
	chain = append(chain, b.middleware...)
	chain = append(chain, d.Middleware...)
	chain = append(chain, proc.Middleware...)
	return chain
}

func createRouter(d *plugin.Descriptor, deps any) (handlers plugin.Handlers, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("createRouter panicked: %v", p)
		}
	}()
	return d.CreateRouter(deps)
}
