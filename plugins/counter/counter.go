// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package counter is a built-in plugin that keeps named counters in memory
// and streams integer sequences.
package counter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

// ID is the plugin id the counter registers under.
const ID = "counter"

// WriteCapability guards procedures that change a counter.
const WriteCapability = "counter.write"

// ErrNegativeStep is returned when an increment would move a counter down.
var ErrNegativeStep = errors.New("step must not be negative")

// Variables configure an instance.
type Variables struct {
	// Start is the initial value of every counter.
	Start int `json:"start,omitempty"`
	// BatchSize bounds the items of one sequence batch.
	BatchSize int `json:"batch_size,omitempty" jsonschema:"minimum=1"`
}

// IncrementInput names the counter to move and by how much.
type IncrementInput struct {
	Name string `json:"name" jsonschema:"minLength=1"`
	Step int    `json:"step,omitempty"`
}

// GetInput names a counter.
type GetInput struct {
	Name string `json:"name" jsonschema:"minLength=1"`
}

// Value is a counter reading.
type Value struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// SequenceInput bounds a sequence. A zero Count never ends.
type SequenceInput struct {
	From  int `json:"from,omitempty"`
	Count int `json:"count,omitempty" jsonschema:"minimum=0"`
}

// Cursor is the resumption state of a sequence.
type Cursor struct {
	Emitted int `json:"emitted"`
}

// Backfill is the number of leading items of a sequence reported in the
// "backfill" phase; the rest are "live".
const Backfill = 5

const defaultBatchSize = 10

type counters struct {
	mu        sync.Mutex
	start     int
	batchSize int
	values    map[string]int
}

// variablesSchema accepts an absent configuration as the zero Variables.
func variablesSchema() plugin.Schema {
	strict := schema.MustStruct[Variables]()
	return schema.Func(func(data any) (Variables, error) {
		if data == nil {
			return Variables{}, nil
		}
		v, err := strict.Validate(data)
		if err != nil {
			return Variables{}, err
		}
		return v.(Variables), nil
	})
}

// Descriptor returns the counter plugin.
func Descriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		ID:          ID,
		Version:     "1.0.0",
		Description: "In-memory counters and integer sequences",
		Schemas: plugin.Schemas{
			Variables: variablesSchema(),
			Secrets:   schema.Any(),
		},
		Contract: plugin.Contract{
			{
				Name:       "increment",
				Input:      schema.MustStruct[IncrementInput](),
				Output:     schema.MustStruct[Value](),
				Capability: WriteCapability,
			},
			{Name: "get", Input: schema.MustStruct[GetInput](), Output: schema.MustStruct[Value]()},
			{
				Name:      "sequence",
				Input:     schema.MustStruct[SequenceInput](),
				Output:    schema.Any(),
				State:     schema.MustStruct[Cursor](),
				Streaming: true,
			},
		},
		Initialize: func(_ context.Context, cfg plugin.Config, scope plugin.Scope) (any, error) {
			vars, _ := cfg.Variables.(Variables)
			c := &counters{start: vars.Start, batchSize: vars.BatchSize, values: make(map[string]int)}
			if c.batchSize <= 0 {
				c.batchSize = defaultBatchSize
			}
			scope.Defer("counters", func(context.Context) error {
				c.mu.Lock()
				defer c.mu.Unlock()
				clear(c.values)
				return nil
			})
			return c, nil
		},
		CreateRouter: func(deps any) (plugin.Handlers, error) {
			c := deps.(*counters)
			return plugin.Handlers{
				Procedures: map[string]plugin.Handler{
					"increment": c.increment,
					"get":       c.get,
				},
				Streams: map[string]plugin.StreamHandler{
					"sequence": c.sequence,
				},
			}, nil
		},
	}
}

func (c *counters) increment(_ context.Context, req plugin.Request) (any, error) {
	in := req.Input.(IncrementInput)
	step := in.Step
	if step == 0 {
		step = 1
	}
	if step < 0 {
		return nil, ErrNegativeStep
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[in.Name]
	if !ok {
		v = c.start
	}
	v += step
	c.values[in.Name] = v
	return Value{Name: in.Name, Value: v}, nil
}

func (c *counters) get(_ context.Context, req plugin.Request) (any, error) {
	in := req.Input.(GetInput)
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[in.Name]
	if !ok {
		v = c.start
	}
	return Value{Name: in.Name, Value: v}, nil
}

func (c *counters) sequence(_ context.Context, req plugin.StreamRequest) (plugin.Batch, error) {
	in := req.Input.(SequenceInput)
	var cur Cursor
	if len(req.State) > 0 {
		if err := json.Unmarshal(req.State, &cur); err != nil {
			return plugin.Batch{}, err
		}
	}

	size := c.batchSize
	if req.Limit > 0 && req.Limit < size {
		size = req.Limit
	}
	// A batch never straddles the backfill boundary so its phase is exact.
	if cur.Emitted < Backfill && cur.Emitted+size > Backfill {
		size = Backfill - cur.Emitted
	}
	if in.Count > 0 && cur.Emitted+size > in.Count {
		size = in.Count - cur.Emitted
	}

	phase := "live"
	if cur.Emitted < Backfill {
		phase = "backfill"
	}

	items := make([]any, 0, size)
	for range size {
		items = append(items, in.From+cur.Emitted)
		cur.Emitted++
	}
	state, err := plugin.EncodeState(cur)
	if err != nil {
		return plugin.Batch{}, err
	}
	return plugin.Batch{
		Items: items,
		State: state,
		Phase: phase,
		Done:  in.Count > 0 && cur.Emitted >= in.Count,
	}, nil
}
