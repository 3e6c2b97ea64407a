// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holomush/pluginrt/internal/logging"
	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

type route struct {
	proc   plugin.Procedure
	unary  plugin.Handler
	stream plugin.StreamHandler
	chain  []plugin.Middleware
}

// Router dispatches procedure calls of one plugin instance. Every call is
// validated on the way in and out. Handler errors are returned unchanged.
type Router struct {
	pluginID      string
	contract      plugin.Contract
	contextSchema plugin.Schema
	routes        map[string]*route
	observer      Observer
}

// PluginID returns the id of the plugin this router serves.
func (r *Router) PluginID() string {
	return r.pluginID
}

// Procedures returns the contract in declaration order.
func (r *Router) Procedures() plugin.Contract {
	return r.contract
}

// Procedure returns one contract entry.
func (r *Router) Procedure(name string) (plugin.Procedure, bool) {
	rt, ok := r.routes[name]
	if !ok {
		return plugin.Procedure{}, false
	}
	return rt.proc, true
}

// Client binds a request context to the router. The context is validated
// against the plugin's context schema when one is declared.
func (r *Router) Client(rc plugin.RequestContext) (*Client, error) {
	if r.contextSchema != nil {
		coerced, err := schema.Validate(r.contextSchema, map[string]any(rc), r.pluginID, plugin.StageContext)
		if err != nil {
			return nil, err
		}
		if m, ok := coerced.(map[string]any); ok {
			rc = m
		}
	}
	return &Client{router: r, rc: rc}, nil
}

// Call runs a unary procedure: input validation, middleware in order,
// the handler, then output validation.
func (r *Router) Call(ctx context.Context, name string, rc plugin.RequestContext, input any) (out any, err error) {
	start := time.Now()
	defer func() { r.observe(name, start, err) }()

	rt, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if rt.proc.Streaming {
		return nil, fmt.Errorf("plugin %s procedure %s: %w", r.pluginID, name, plugin.ErrStreaming)
	}

	in, rc, err := r.admit(ctx, rt, rc, input)
	if err != nil {
		return nil, err
	}

	result, err := rt.unary(logging.WithPlugin(ctx, r.pluginID), plugin.Request{Procedure: name, Input: in, Context: rc})
	if err != nil {
		return nil, err
	}
	return schema.ValidateProcedure(rt.proc.Output, result, r.pluginID, name, plugin.StageOutput)
}

// Open prepares a streaming call. Input validation and middleware run once;
// the returned Call pulls batches.
func (r *Router) Open(ctx context.Context, name string, rc plugin.RequestContext, input any) (*StreamCall, error) {
	rt, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !rt.proc.Streaming {
		return nil, fmt.Errorf("plugin %s procedure %s: %w", r.pluginID, name, plugin.ErrNotStreaming)
	}
	in, rc, err := r.admit(ctx, rt, rc, input)
	if err != nil {
		return nil, err
	}
	return &StreamCall{router: r, route: rt, input: in, rc: rc}, nil
}

func (r *Router) lookup(name string) (*route, error) {
	rt, ok := r.routes[name]
	if !ok {
		return nil, fmt.Errorf("plugin %s procedure %q: %w", r.pluginID, name, plugin.ErrUnknownProcedure)
	}
	return rt, nil
}

// admit validates input and runs the middleware chain. The first failing
// middleware stops the chain.
func (r *Router) admit(ctx context.Context, rt *route, rc plugin.RequestContext, input any) (any, plugin.RequestContext, error) {
	in, err := schema.ValidateProcedure(rt.proc.Input, input, r.pluginID, rt.proc.Name, plugin.StageInput)
	if err != nil {
		return nil, nil, err
	}
	info := plugin.CallInfo{PluginID: r.pluginID, Procedure: rt.proc}
	for _, mw := range rt.chain {
		next, err := mw(ctx, info, rc)
		if err != nil {
			return nil, nil, err
		}
		if next != nil {
			rc = next
		}
	}
	return in, rc, nil
}

func (r *Router) observe(name string, start time.Time, err error) {
	if r.observer != nil {
		r.observer(r.pluginID, name, time.Since(start), err)
	}
}

// StreamCall is an admitted streaming call.
type StreamCall struct {
	router *Router
	route  *route
	input  any
	rc     plugin.RequestContext
}

// PluginID returns the owning plugin id.
func (s *StreamCall) PluginID() string {
	return s.router.pluginID
}

// Procedure returns the streaming procedure's contract entry.
func (s *StreamCall) Procedure() plugin.Procedure {
	return s.route.proc
}

// Pull asks the handler for the batch after state. Items are validated
// against the procedure's output schema.
func (s *StreamCall) Pull(ctx context.Context, state json.RawMessage, limit int, scope plugin.Scope) (batch plugin.Batch, err error) {
	start := time.Now()
	defer func() { s.router.observe(s.route.proc.Name, start, err) }()

	batch, err = s.route.stream(logging.WithPlugin(ctx, s.router.pluginID), plugin.StreamRequest{
		Procedure: s.route.proc.Name,
		Input:     s.input,
		State:     state,
		Limit:     limit,
		Context:   s.rc,
		Scope:     scope,
	})
	if err != nil {
		return plugin.Batch{}, err
	}

	items := make([]any, len(batch.Items))
	for i, item := range batch.Items {
		items[i], err = schema.ValidateProcedure(s.route.proc.Output, item, s.router.pluginID, s.route.proc.Name, plugin.StageOutput)
		if err != nil {
			return plugin.Batch{}, err
		}
	}
	batch.Items = items
	return batch, nil
}
