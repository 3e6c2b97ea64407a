// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package statestore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginrt/internal/statestore"
	"github.com/holomush/pluginrt/internal/stream"
	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

type cursor struct {
	Next int `json:"next"`
}

// countSource emits the integers 0..total-1 two at a time.
type countSource struct{ total int }

func (countSource) PluginID() string { return "counter" }

func (countSource) Procedure() plugin.Procedure {
	return plugin.Procedure{
		Name:      "count",
		Input:     schema.Any(),
		Output:    schema.Any(),
		State:     schema.MustStruct[cursor](),
		Streaming: true,
	}
}

func (s countSource) Pull(_ context.Context, state json.RawMessage, limit int, _ plugin.Scope) (plugin.Batch, error) {
	var c cursor
	if len(state) > 0 {
		if err := json.Unmarshal(state, &c); err != nil {
			return plugin.Batch{}, err
		}
	}
	n := 2
	if limit > 0 && limit < n {
		n = limit
	}
	var items []any
	for i := c.Next; i < c.Next+n && i < s.total; i++ {
		items = append(items, i)
	}
	next, err := json.Marshal(cursor{Next: c.Next + len(items)})
	if err != nil {
		return plugin.Batch{}, err
	}
	return plugin.Batch{Items: items, State: next, Phase: "live", Done: c.Next+len(items) >= s.total}, nil
}

func run(t *testing.T, engine *stream.Engine, store statestore.Store, key string, maxItems int) []any {
	t.Helper()
	ctx := context.Background()
	cp, err := statestore.Resume(ctx, store, key)
	require.NoError(t, err)

	var got []any
	opts := stream.Options{MaxItems: maxItems, OnStateChange: statestore.Persist(store, key, cp.Emitted)}
	for item, err := range engine.Stream(ctx, countSource{total: 7}, cp.State, opts) {
		require.NoError(t, err)
		got = append(got, item.Value)
	}
	return got
}

func TestPersistAndResume(t *testing.T) {
	mr := miniredis.RunT(t)
	redisStore, err := statestore.OpenRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisStore.Close() })

	stores := map[string]statestore.Store{
		"memory": statestore.NewMemoryStore(),
		"redis":  redisStore,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			engine := stream.NewEngine()

			assert.Equal(t, []any{0, 1, 2}, run(t, engine, store, name, 3))
			cp, err := store.Load(context.Background(), name)
			require.NoError(t, err)
			assert.JSONEq(t, `{"next":3}`, string(cp.State))
			assert.Equal(t, "counter", cp.PluginID)
			assert.Equal(t, "count", cp.Procedure)
			assert.Equal(t, "live", cp.Phase)
			assert.Equal(t, 3, cp.Emitted)

			assert.Equal(t, []any{3, 4, 5, 6}, run(t, engine, store, name, 0))
			cp, err = store.Load(context.Background(), name)
			require.NoError(t, err)
			assert.JSONEq(t, `{"next":7}`, string(cp.State))
			assert.Equal(t, 7, cp.Emitted)
		})
	}
}

// greedySource ignores the limit hint and returns up to four items a batch.
type greedySource struct{ countSource }

func (s greedySource) Pull(_ context.Context, state json.RawMessage, _ int, _ plugin.Scope) (plugin.Batch, error) {
	var c cursor
	if len(state) > 0 {
		if err := json.Unmarshal(state, &c); err != nil {
			return plugin.Batch{}, err
		}
	}
	var items []any
	for i := c.Next; i < c.Next+4 && i < s.total; i++ {
		items = append(items, i)
	}
	next, err := json.Marshal(cursor{Next: c.Next + len(items)})
	if err != nil {
		return plugin.Batch{}, err
	}
	return plugin.Batch{Items: items, State: next, Phase: "live", Done: c.Next+len(items) >= s.total}, nil
}

func TestPersist_TruncatedBatchDoesNotAdvanceEmitted(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	engine := stream.NewEngine()
	src := greedySource{countSource{total: 7}}

	var got []any
	opts := stream.Options{MaxItems: 6, OnStateChange: statestore.Persist(store, "feed", 0)}
	for item, err := range engine.Stream(ctx, src, nil, opts) {
		require.NoError(t, err)
		got = append(got, item.Value)
	}
	assert.Equal(t, []any{0, 1, 2, 3, 4, 5}, got)

	cp, err := store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.JSONEq(t, `{"next":4}`, string(cp.State))
	assert.Equal(t, 4, cp.Emitted, "emitted must match the items the state has moved past")

	got = nil
	opts = stream.Options{OnStateChange: statestore.Persist(store, "feed", cp.Emitted)}
	for item, err := range engine.Stream(ctx, src, cp.State, opts) {
		require.NoError(t, err)
		got = append(got, item.Value)
	}
	assert.Equal(t, []any{4, 5, 6}, got)

	cp, err = store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.JSONEq(t, `{"next":7}`, string(cp.State))
	assert.Equal(t, 7, cp.Emitted)
}

func TestResume_Missing(t *testing.T) {
	cp, err := statestore.Resume(context.Background(), statestore.NewMemoryStore(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cp.Key)
	assert.Nil(t, cp.State)
	assert.Zero(t, cp.Emitted)
}

type failingStore struct{ statestore.Store }

func (failingStore) Save(context.Context, statestore.Checkpoint) error {
	return errors.New("disk full")
}

func (failingStore) Load(context.Context, string) (statestore.Checkpoint, error) {
	return statestore.Checkpoint{}, errors.New("disk full")
}

func TestPersist_SaveFailureEndsStream(t *testing.T) {
	engine := stream.NewEngine()
	opts := stream.Options{OnStateChange: statestore.Persist(failingStore{}, "k", 0)}

	var items int
	var errs []error
	for _, err := range engine.Stream(context.Background(), countSource{total: 7}, nil, opts) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items++
	}
	assert.Zero(t, items)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "disk full")
}

func TestResume_LoadFailure(t *testing.T) {
	_, err := statestore.Resume(context.Background(), failingStore{}, "k")
	assert.Error(t, err)
}
