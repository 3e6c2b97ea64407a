// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package statestore persists stream checkpoints so a stream can resume
// where a previous consumer stopped.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holomush/pluginrt/internal/stream"
)

// ErrNotFound is returned when no checkpoint exists for a key.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the last persisted position of a stream.
type Checkpoint struct {
	Key       string          `json:"key"`
	PluginID  string          `json:"plugin_id"`
	Procedure string          `json:"procedure"`
	Phase     string          `json:"phase,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	// Emitted counts items emitted under this key across resumptions.
	Emitted   int       `json:"emitted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store saves and loads checkpoints by key.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, key string) (Checkpoint, error)
	Delete(ctx context.Context, key string) error
}

// Persist returns a state change callback that saves a checkpoint under key
// after every batch. Emitted accumulates on top of base, the count of the
// checkpoint the stream resumed from. It counts only items the saved state
// has moved past, so a truncated batch, which is replayed on resume, adds
// nothing.
func Persist(store Store, key string, base int) stream.StateChangeFunc {
	return func(ctx context.Context, change stream.StateChange) error {
		emitted := base + change.Session.Emitted
		if !change.Truncated {
			emitted += len(change.Items)
		}
		cp := Checkpoint{
			Key:       key,
			PluginID:  change.Session.PluginID,
			Procedure: change.Session.Procedure,
			Phase:     change.Session.Phase,
			State:     change.State,
			Emitted:   emitted,
			UpdatedAt: time.Now().UTC(),
		}
		if err := store.Save(ctx, cp); err != nil {
			return fmt.Errorf("persist checkpoint %s: %w", key, err)
		}
		return nil
	}
}

// Resume loads the checkpoint for key. A missing checkpoint is a fresh
// start and returns a zero Checkpoint without error.
func Resume(ctx context.Context, store Store, key string) (Checkpoint, error) {
	cp, err := store.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Checkpoint{Key: key}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]Checkpoint)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if cp.Key == "" {
		return errors.New("checkpoint key is required")
	}
	cp.State = append(json.RawMessage(nil), cp.State...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Key] = cp
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[key]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return cp, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, key)
	return nil
}
