// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package instance caches initialized plugin instances by fingerprint with
// single-flight creation.
package instance

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/pluginrt/internal/lifecycle"
	"github.com/holomush/pluginrt/internal/router"
	"github.com/holomush/pluginrt/pkg/plugin"
)

// ErrEvicted is returned to callers of a creation that was evicted by a
// concurrent Remove or Clear before it finished.
var ErrEvicted = errors.New("instance evicted during creation")

// Instance is an initialized plugin.
type Instance struct {
	ID           ulid.ULID
	PluginID     string
	Fingerprint  string
	Descriptor   *plugin.Descriptor
	Dependencies any
	Scope        *lifecycle.Scope
	Router       *router.Router
	CreatedAt    time.Time
}

// CreateFunc builds an instance. It runs at most once per fingerprint at a time.
type CreateFunc func(ctx context.Context) (*Instance, error)

// TeardownFunc releases an evicted instance.
type TeardownFunc func(ctx context.Context, inst *Instance) error

// Outcome says how GetOrCreate produced its result.
type Outcome int

// GetOrCreate outcomes.
const (
	// Hit returned a cached instance.
	Hit Outcome = iota
	// Created ran the create function.
	Created
	// Joined waited for another caller's creation.
	Joined
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Created:
		return "created"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

const (
	defaultBuckets             = 32
	defaultTeardownConcurrency = 8
)

type call struct {
	pluginID string
	done     chan struct{}
	inst     *Instance
	err      error
	evicted  bool
}

type bucket struct {
	mu      sync.Mutex
	entries map[string]*Instance
	calls   map[string]*call
	// draining holds evicted creations until what they built is released.
	draining map[string]*call
}

// Cache holds at most one live instance per fingerprint. Fingerprints are
// spread over buckets, each with its own lock, so creations of unrelated
// plugins never wait on each other.
type Cache struct {
	buckets     []*bucket
	seed        maphash.Seed
	teardown    TeardownFunc
	concurrency int
	logger      *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithBuckets sets the number of lock buckets.
func WithBuckets(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.buckets = make([]*bucket, n)
		}
	}
}

// WithTeardownConcurrency bounds parallel teardowns during eviction.
func WithTeardownConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache that releases evicted instances with teardown.
func New(teardown TeardownFunc, opts ...Option) *Cache {
	c := &Cache{
		buckets:     make([]*bucket, defaultBuckets),
		seed:        maphash.MakeSeed(),
		teardown:    teardown,
		concurrency: defaultTeardownConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.buckets {
		c.buckets[i] = &bucket{
			entries:  map[string]*Instance{},
			calls:    map[string]*call{},
			draining: map[string]*call{},
		}
	}
	return c
}

func (c *Cache) bucketFor(fingerprint string) *bucket {
	return c.buckets[maphash.String(c.seed, fingerprint)%uint64(len(c.buckets))]
}

// GetOrCreate returns the instance for fingerprint. The first caller runs
// create; callers arriving meanwhile wait for that result or for their own
// ctx to end. A failed creation is not cached. create receives a context
// that is not cancelled with ctx. A creation detached by an eviction is
// released before a new one for the same fingerprint starts.
func (c *Cache) GetOrCreate(ctx context.Context, pluginID, fingerprint string, create CreateFunc) (*Instance, Outcome, error) {
	b := c.bucketFor(fingerprint)

	b.mu.Lock()
	for {
		if inst, ok := b.entries[fingerprint]; ok {
			b.mu.Unlock()
			return inst, Hit, nil
		}
		if cl, ok := b.calls[fingerprint]; ok {
			b.mu.Unlock()
			select {
			case <-cl.done:
				return cl.inst, Joined, cl.err
			case <-ctx.Done():
				return nil, Joined, fmt.Errorf("waiting for plugin %s: %w", pluginID, ctx.Err())
			}
		}
		prev, ok := b.draining[fingerprint]
		if !ok {
			break
		}
		b.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, Joined, fmt.Errorf("waiting for evicted plugin %s: %w", pluginID, ctx.Err())
		}
		b.mu.Lock()
	}
	cl := &call{pluginID: pluginID, done: make(chan struct{})}
	b.calls[fingerprint] = cl
	b.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	inst, err := runCreate(detached, create)

	var stale *Instance
	b.mu.Lock()
	if b.calls[fingerprint] == cl {
		delete(b.calls, fingerprint)
	}
	switch {
	case err != nil:
	case cl.evicted:
		stale, inst = inst, nil
		err = fmt.Errorf("plugin %s: %w", pluginID, ErrEvicted)
	default:
		b.entries[fingerprint] = inst
	}
	cl.inst, cl.err = inst, err
	b.mu.Unlock()

	if stale != nil {
		if tdErr := c.teardown(detached, stale); tdErr != nil {
			c.logger.Warn("teardown of evicted instance failed",
				"plugin", pluginID, "instance", stale.ID.String(), "error", tdErr)
		}
	}
	if cl.evicted {
		b.mu.Lock()
		if b.draining[fingerprint] == cl {
			delete(b.draining, fingerprint)
		}
		b.mu.Unlock()
	}
	close(cl.done)
	return inst, Created, err
}

func runCreate(ctx context.Context, create CreateFunc) (inst *Instance, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("create panicked: %v", p)
		}
	}()
	inst, err = create(ctx)
	if err == nil && inst == nil {
		err = errors.New("create returned no instance")
	}
	return inst, err
}

// Get returns the cached instance for fingerprint without creating one.
func (c *Cache) Get(fingerprint string) (*Instance, bool) {
	b := c.bucketFor(fingerprint)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.entries[fingerprint]
	return inst, ok
}

// Remove evicts and tears down every instance of pluginID.
func (c *Cache) Remove(ctx context.Context, pluginID string) error {
	return c.evict(ctx, func(id, _ string) bool { return id == pluginID })
}

// RemoveFingerprint evicts and tears down one instance.
func (c *Cache) RemoveFingerprint(ctx context.Context, fingerprint string) error {
	return c.evict(ctx, func(_, fp string) bool { return fp == fingerprint })
}

// Clear evicts and tears down everything.
func (c *Cache) Clear(ctx context.Context) error {
	return c.evict(ctx, func(string, string) bool { return true })
}

// evict removes matching entries and detaches matching in-flight creations,
// then tears the entries down concurrently. Every teardown is attempted;
// failures are joined. It returns once detached creations have finished and
// released what they built.
func (c *Cache) evict(ctx context.Context, match func(pluginID, fingerprint string) bool) error {
	var (
		victims []*Instance
		pending []*call
	)
	for _, b := range c.buckets {
		b.mu.Lock()
		for fp, inst := range b.entries {
			if match(inst.PluginID, fp) {
				victims = append(victims, inst)
				delete(b.entries, fp)
			}
		}
		for fp, cl := range b.calls {
			if match(cl.pluginID, fp) {
				cl.evicted = true
				delete(b.calls, fp)
				b.draining[fp] = cl
				pending = append(pending, cl)
			}
		}
		b.mu.Unlock()
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for _, inst := range victims {
		g.Go(func() error {
			if err := c.teardown(ctx, inst); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, cl := range pending {
		select {
		case <-cl.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for in-flight plugin %s: %w", cl.pluginID, ctx.Err()))
		}
	}

	if len(victims) > 0 || len(pending) > 0 {
		c.logger.Debug("instances evicted",
			"count", len(victims), "in_flight", len(pending), "failures", len(errs))
	}
	return errors.Join(errs...)
}

// Len returns the number of cached instances.
func (c *Cache) Len() int {
	n := 0
	for _, b := range c.buckets {
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}

// List returns cached instances ordered by creation time.
func (c *Cache) List() []*Instance {
	var out []*Instance
	for _, b := range c.buckets {
		b.mu.Lock()
		for _, inst := range b.entries {
			out = append(out, inst)
		}
		b.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *Instance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
