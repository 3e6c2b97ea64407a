// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package capability authorizes procedure calls by matching the capability
// a procedure requires against glob patterns granted to the caller.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "weather.read.*" matches "weather.read.forecast" but NOT "weather.read.alerts.severe"
//   - "weather.read.**" matches both
//   - "**" matches any capability
package capability

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant holds a pattern and its compiled glob.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer maps principals to granted capability patterns.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	grants map[string][]compiledGrant // principal -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants replaces the capabilities of a principal. Patterns are compiled
// before any state changes, so a bad pattern leaves the enforcer untouched.
func (e *Enforcer) SetGrants(principal string, capabilities []string) error {
	if principal == "" {
		return errors.New("principal cannot be empty")
	}

	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[principal] = compiled
	return nil
}

// LoadGrants sets grants for every principal in the map.
func (e *Enforcer) LoadGrants(grants map[string][]string) error {
	for _, principal := range slices.Sorted(maps.Keys(grants)) {
		if err := e.SetGrants(principal, grants[principal]); err != nil {
			return fmt.Errorf("principal %s: %w", principal, err)
		}
	}
	return nil
}

// RemoveGrants forgets a principal. Safe for unknown principals.
func (e *Enforcer) RemoveGrants(principal string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, principal)
}

// GetGrants returns a copy of the patterns granted to a principal, or nil.
func (e *Enforcer) GetGrants(principal string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[principal]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Principals returns the sorted registered principals.
func (e *Enforcer) Principals() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.grants))
}

// Check reports whether principal holds capability. Empty names and unknown
// principals are denied.
func (e *Enforcer) Check(principal, capability string) bool {
	_, ok := e.Match(principal, capability)
	return ok
}

// Match returns the first granted pattern that covers capability.
func (e *Enforcer) Match(principal, capability string) (string, bool) {
	if capability == "" {
		return "", false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[principal] {
		if grant.glob.Match(capability) {
			return grant.pattern, true
		}
	}
	return "", false
}
