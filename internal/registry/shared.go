// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	plugins "github.com/holomush/pluginrt/internal/plugin"
)

// HostDependency is a dependency the host process shares with artifacts.
type HostDependency struct {
	Name    string
	Version string
	// Factory builds the shared value. Optional; it runs at most once.
	Factory func(ctx context.Context) (any, error)
}

// Conflict is one singleton dependency an artifact cannot share.
type Conflict struct {
	Plugin   string
	Name     string
	Required string
	Active   string
	// ActiveBy names who activated the dependency: "host" or a plugin id.
	ActiveBy string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s requires %s %s but %s is active (from %s)",
		c.Plugin, c.Name, c.Required, c.Active, c.ActiveBy)
}

// ConflictError lists every singleton conflict of one artifact.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return "singleton version conflict: " + strings.Join(parts, "; ")
}

// SharedContext is the one value compatible consumers of a singleton share.
type SharedContext struct {
	Name     string
	Version  *semver.Version
	ActiveBy string

	factory   func(ctx context.Context) (any, error)
	once      sync.Once
	value     any
	err       error
	consumers map[string]bool
}

// Value runs the factory on first use and returns its result.
func (s *SharedContext) Value(ctx context.Context) (any, error) {
	s.once.Do(func() {
		if s.factory != nil {
			s.value, s.err = s.factory(ctx)
		}
	})
	return s.value, s.err
}

// SharedScope tracks the singleton dependencies active in the process.
type SharedScope struct {
	mu     sync.Mutex
	active map[string]*SharedContext

	// declared records every shared declaration per plugin.
	declared map[string][]plugins.SharedDependency
}

// NewSharedScope creates a scope with the host's own dependencies active.
func NewSharedScope(host ...HostDependency) (*SharedScope, error) {
	s := &SharedScope{
		active:   make(map[string]*SharedContext),
		declared: make(map[string][]plugins.SharedDependency),
	}
	for _, dep := range host {
		v, err := semver.NewVersion(dep.Version)
		if err != nil {
			return nil, fmt.Errorf("host dependency %s version %q: %w", dep.Name, dep.Version, err)
		}
		if _, ok := s.active[dep.Name]; ok {
			return nil, fmt.Errorf("host dependency %s declared twice", dep.Name)
		}
		s.active[dep.Name] = &SharedContext{
			Name:      dep.Name,
			Version:   v,
			ActiveBy:  "host",
			factory:   dep.Factory,
			consumers: make(map[string]bool),
		}
	}
	return s, nil
}

// Acquire checks pluginID's declarations against the active singletons. When
// every singleton is compatible (same major.minor) it activates the new ones
// and returns the shared contexts by name. Otherwise nothing changes and a
// *ConflictError lists every conflict.
func (s *SharedScope) Acquire(pluginID string, deps []plugins.SharedDependency) (map[string]*SharedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type pending struct {
		name    string
		version *semver.Version
	}
	var (
		conflicts []Conflict
		activate  []pending
		shared    = make(map[string]*SharedContext)
	)
	for _, dep := range deps {
		if !dep.Singleton {
			continue
		}
		v, err := semver.NewVersion(dep.Version)
		if err != nil {
			return nil, fmt.Errorf("shared dependency %s version %q: %w", dep.Name, dep.Version, err)
		}
		active, ok := s.active[dep.Name]
		if !ok {
			activate = append(activate, pending{dep.Name, v})
			continue
		}
		if active.Version.Major() != v.Major() || active.Version.Minor() != v.Minor() {
			conflicts = append(conflicts, Conflict{
				Plugin:   pluginID,
				Name:     dep.Name,
				Required: v.String(),
				Active:   active.Version.String(),
				ActiveBy: active.ActiveBy,
			})
			continue
		}
		shared[dep.Name] = active
	}
	if len(conflicts) > 0 {
		sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Name < conflicts[j].Name })
		return nil, &ConflictError{Conflicts: conflicts}
	}

	for _, p := range activate {
		sc := &SharedContext{Name: p.name, Version: p.version, ActiveBy: pluginID, consumers: make(map[string]bool)}
		s.active[p.name] = sc
		shared[p.name] = sc
	}
	for _, sc := range shared {
		sc.consumers[pluginID] = true
	}
	s.declared[pluginID] = append([]plugins.SharedDependency(nil), deps...)
	return shared, nil
}

// Release drops pluginID's claims. A singleton an artifact activated is
// deactivated once no plugin consumes it; host dependencies stay active.
func (s *SharedScope) Release(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, sc := range s.active {
		delete(sc.consumers, pluginID)
		if sc.ActiveBy != "host" && len(sc.consumers) == 0 {
			delete(s.active, name)
		}
	}
	delete(s.declared, pluginID)
}

// Active returns the version of an active singleton.
func (s *SharedScope) Active(name string) (*semver.Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.active[name]
	if !ok {
		return nil, false
	}
	return sc.Version, true
}

// Declared returns the shared dependencies pluginID declared when it was
// acquired.
func (s *SharedScope) Declared(pluginID string) []plugins.SharedDependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugins.SharedDependency(nil), s.declared[pluginID]...)
}
