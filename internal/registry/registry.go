// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/holomush/pluginrt/pkg/plugin"
)

// Registry maps plugin ids to entries and resolves them to descriptors.
// Resolved descriptors are kept for the life of the registry.
type Registry struct {
	entries   map[string]Entry
	resolvers map[Kind]Resolver
	logger    *slog.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	resolved map[string]*plugin.Descriptor
}

// Option configures a Registry.
type Option func(*Registry)

// WithResolver sets the resolver for one entry kind.
func WithResolver(kind Kind, r Resolver) Option {
	return func(reg *Registry) {
		reg.resolvers[kind] = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(reg *Registry) {
		reg.logger = logger
	}
}

// New creates a registry. Entries are validated and ids must be unique.
func New(entries []Entry, opts ...Option) (*Registry, error) {
	reg := &Registry{
		entries: make(map[string]Entry, len(entries)),
		resolvers: map[Kind]Resolver{
			KindEmbedded: EmbeddedResolver{},
		},
		logger:   slog.Default(),
		resolved: make(map[string]*plugin.Descriptor),
	}
	for _, opt := range opts {
		opt(reg)
	}
	if _, ok := reg.resolvers[KindRemote]; !ok {
		reg.resolvers[KindRemote] = NewRemoteResolver(WithRemoteLogger(reg.logger))
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.entries[e.ID]; dup {
			return nil, fmt.Errorf("duplicate registry entry %s", e.ID)
		}
		reg.entries[e.ID] = e
	}
	return reg, nil
}

// Entries returns every entry sorted by id.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// IsResolved reports whether id has been resolved successfully.
func (r *Registry) IsResolved(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resolved[id]
	return ok
}

// Resolve returns the descriptor for id. Concurrent calls for the same id
// share one resolution, which is not cancelled when a caller gives up.
// Failures are not cached. Errors are *plugin.LoadError at stage resolve.
func (r *Registry) Resolve(ctx context.Context, id string) (*plugin.Descriptor, error) {
	r.mu.RLock()
	d, ok := r.resolved[id]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	e, ok := r.entries[id]
	if !ok {
		return nil, &plugin.LoadError{PluginID: id, Stage: plugin.StageResolve, Err: plugin.ErrUnknownPlugin}
	}

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(id, func() (any, error) {
		return r.resolve(detached, e)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*plugin.Descriptor), nil
	case <-ctx.Done():
		return nil, &plugin.LoadError{PluginID: id, Stage: plugin.StageResolve, Err: ctx.Err()}
	}
}

func (r *Registry) resolve(ctx context.Context, e Entry) (*plugin.Descriptor, error) {
	r.mu.RLock()
	d, ok := r.resolved[e.ID]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	resolver, ok := r.resolvers[e.Kind()]
	if !ok {
		return nil, &plugin.LoadError{PluginID: e.ID, Stage: plugin.StageResolve, Err: fmt.Errorf("no resolver for %s entries", e.Kind())}
	}
	d, err := resolver.Resolve(ctx, e)
	if err != nil {
		r.logger.Warn("plugin resolution failed", "plugin", e.ID, "kind", e.Kind(), "error", err)
		var loadErr *plugin.LoadError
		if errors.As(err, &loadErr) {
			return nil, err
		}
		return nil, &plugin.LoadError{PluginID: e.ID, Stage: plugin.StageResolve, Err: err}
	}

	r.mu.Lock()
	r.resolved[e.ID] = d
	r.mu.Unlock()
	r.logger.Debug("plugin resolved", "plugin", e.ID, "kind", e.Kind(), "version", d.Version)
	return d, nil
}
