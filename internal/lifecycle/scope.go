// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lifecycle runs plugin initialize and shutdown functions inside
// resource scopes that release acquired resources deterministically.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holomush/pluginrt/pkg/plugin"
)

type release struct {
	name string
	fn   func(ctx context.Context) error
}

// Scope is a release stack. Releases run exactly once, last registered
// first, when the scope closes.
type Scope struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	releases []release
	closed   bool
	closeErr error
	done     chan struct{}
}

var _ plugin.Scope = (*Scope)(nil)

// NewScope creates an open scope. name appears in log lines and errors.
func NewScope(name string, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{name: name, logger: logger, done: make(chan struct{})}
}

// Name returns the scope name.
func (s *Scope) Name() string {
	return s.name
}

// Defer registers a release callback. On a closed scope the callback runs
// immediately and its failure is logged.
func (s *Scope) Defer(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.releases = append(s.releases, release{name: name, fn: fn})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := runRelease(context.Background(), release{name: name, fn: fn}); err != nil {
		s.logger.Warn("release after scope close failed",
			"scope", s.name, "resource", name, "error", err)
	}
}

// Len returns the number of pending releases.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close runs every release in reverse registration order and returns their
// joined failures. A failing release does not stop the others. Later calls
// wait for the first to finish and return its result.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.closeErr
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := runRelease(ctx, releases[i]); err != nil {
			s.logger.Warn("resource release failed",
				"scope", s.name, "resource", releases[i].name, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", releases[i].name, err))
		}
	}

	s.closeErr = errors.Join(errs...)
	close(s.done)
	return s.closeErr
}

func runRelease(ctx context.Context, r release) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.fn(ctx)
}
