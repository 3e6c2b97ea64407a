// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package stream drives streaming procedures as lazy, bounded and resumable
// item sequences.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/pluginrt/internal/lifecycle"
	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

const defaultIdleDelay = 100 * time.Millisecond

// Source produces batches of one admitted streaming call.
type Source interface {
	PluginID() string
	Procedure() plugin.Procedure
	Pull(ctx context.Context, state json.RawMessage, limit int, scope plugin.Scope) (plugin.Batch, error)
}

// Item is one streamed value.
type Item struct {
	Value any
	Phase string
	// Index counts items emitted by this stream, starting at 0.
	Index int
}

// Session describes a running stream.
type Session struct {
	ID        ulid.ULID
	PluginID  string
	Procedure string
	Phase     string
	Emitted   int
	State     json.RawMessage
}

// StateChange is reported after a batch is produced and before its items
// are yielded.
type StateChange struct {
	Session Session
	// State is the resumption point after this batch's yielded items.
	State json.RawMessage
	Items []any
	// Truncated is set when the cap cut the batch short. State then still
	// points before the batch, so resuming replays rather than skips.
	Truncated bool
}

// StateChangeFunc persists a state change. An error ends the stream.
type StateChangeFunc func(ctx context.Context, change StateChange) error

// Options control one stream.
type Options struct {
	// MaxItems caps the items emitted. 0 means unbounded.
	MaxItems int
	// OnStateChange runs once per batch that yields items or moves the state.
	OnStateChange StateChangeFunc
	// IdleDelay is the pause after an empty batch that is not done.
	IdleDelay time.Duration
}

// Observer receives per-stream events.
type Observer interface {
	StreamItems(pluginID, procedure, phase string, n int)
	PhaseChanged(pluginID, procedure, from, to string)
}

// Engine runs streams.
type Engine struct {
	logger    *slog.Logger
	observer  Observer
	idleDelay time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithObserver sets the observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithIdleDelay sets the default idle delay.
func WithIdleDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.idleDelay = d
	}
}

// NewEngine creates a streaming engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{logger: slog.Default(), idleDelay: defaultIdleDelay}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stream returns a lazy sequence over src. Nothing runs until the sequence
// is ranged over. A non-nil state is validated against the procedure's state
// schema before the first batch is requested. The sequence ends on a done
// batch, at MaxItems, on the first error (yielded once) or when the consumer
// stops; per-stream resources are released in every case.
func (e *Engine) Stream(ctx context.Context, src Source, state json.RawMessage, opts Options) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		proc := src.Procedure()
		session := Session{
			ID:        ulid.Make(),
			PluginID:  src.PluginID(),
			Procedure: proc.Name,
			State:     state,
		}
		logger := e.logger.With("plugin", session.PluginID, "procedure", session.Procedure, "session", session.ID.String())

		if len(state) > 0 {
			if _, err := schema.ValidateProcedure(proc.State, state, session.PluginID, proc.Name, plugin.StageState); err != nil {
				yield(Item{}, err)
				return
			}
		}

		scope := lifecycle.NewScope(session.PluginID+"/"+proc.Name+"/"+session.ID.String(), logger)
		defer func() {
			if err := scope.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("stream resource release failed", "error", err)
			}
		}()

		idle := opts.IdleDelay
		if idle <= 0 {
			idle = e.idleDelay
		}

		logger.Debug("stream started", "resumed", len(state) > 0, "max_items", opts.MaxItems)
		for {
			if opts.MaxItems > 0 && session.Emitted >= opts.MaxItems {
				logger.Debug("stream reached max items", "emitted", session.Emitted)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Item{}, err)
				return
			}

			limit := 0
			if opts.MaxItems > 0 {
				limit = opts.MaxItems - session.Emitted
			}
			batch, err := src.Pull(ctx, session.State, limit, scope)
			if err != nil {
				yield(Item{}, err)
				return
			}

			e.observePhase(&session, batch.Phase, logger)

			items, truncated := batch.Items, false
			if limit > 0 && len(items) > limit {
				logger.Warn("batch exceeds remaining items, truncating",
					"returned", len(items), "remaining", limit)
				items, truncated = items[:limit], true
			}

			next := session.State
			if !truncated && batch.State != nil {
				next = batch.State
			}
			if opts.OnStateChange != nil && (len(items) > 0 || !bytes.Equal(next, session.State)) {
				change := StateChange{Session: session, State: next, Items: items, Truncated: truncated}
				if err := opts.OnStateChange(ctx, change); err != nil {
					yield(Item{}, err)
					return
				}
			}
			session.State = next

			if len(items) > 0 && e.observer != nil {
				e.observer.StreamItems(session.PluginID, session.Procedure, session.Phase, len(items))
			}
			for _, value := range items {
				item := Item{Value: value, Phase: session.Phase, Index: session.Emitted}
				session.Emitted++
				if !yield(item, nil) {
					logger.Debug("stream stopped by consumer", "emitted", session.Emitted)
					return
				}
			}

			if batch.Done {
				logger.Debug("stream completed", "emitted", session.Emitted)
				return
			}
			if len(batch.Items) == 0 {
				select {
				case <-ctx.Done():
					yield(Item{}, ctx.Err())
					return
				case <-time.After(idle):
				}
			}
		}
	}
}

func (e *Engine) observePhase(session *Session, phase string, logger *slog.Logger) {
	if phase == "" || phase == session.Phase {
		return
	}
	from := session.Phase
	session.Phase = phase
	logger.Debug("stream phase changed", "from", from, "to", phase)
	if e.observer != nil {
		e.observer.PhaseChanged(session.PluginID, session.Procedure, from, phase)
	}
}
