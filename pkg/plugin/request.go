// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"
)

// RequestContext carries per-call identity (principal, request id, grants).
// It is validated against the plugin's context schema when a client is created.
type RequestContext map[string]any

// Principal returns the "principal" entry, or "" when absent.
func (rc RequestContext) Principal() string {
	p, _ := rc["principal"].(string)
	return p
}

// With returns a copy of rc with key set to value.
func (rc RequestContext) With(key string, value any) RequestContext {
	out := make(RequestContext, len(rc)+1)
	for k, v := range rc {
		out[k] = v
	}
	out[key] = value
	return out
}

// Request is the validated input of a unary procedure call.
type Request struct {
	Procedure string
	Input     any
	Context   RequestContext
}

// StreamRequest asks a streaming handler for its next batch.
type StreamRequest struct {
	Procedure string
	Input     any
	// State is the resumption point of the previous batch, or nil on a fresh start.
	State json.RawMessage
	// Limit is the number of items the consumer still wants; 0 means unbounded.
	Limit   int
	Context RequestContext
	// Scope owns per-stream resources. It closes when the stream ends.
	Scope Scope
}

// Batch is one step of a streaming procedure.
type Batch struct {
	Items []any
	// State is where the next batch continues from. A nil State keeps the previous one.
	State json.RawMessage
	// Phase names the handler's current stage, such as "backfill" or "live".
	Phase string
	Done  bool
}

// Handler serves a unary procedure.
type Handler func(ctx context.Context, req Request) (any, error)

// StreamHandler produces the next batch of a streaming procedure.
type StreamHandler func(ctx context.Context, req StreamRequest) (Batch, error)

// Handlers is the table CreateRouter returns. Every contract procedure needs
// an entry in the map matching its Streaming flag.
type Handlers struct {
	Procedures map[string]Handler
	Streams    map[string]StreamHandler
}

// CallInfo identifies the call a middleware is inspecting.
type CallInfo struct {
	PluginID  string
	Procedure Procedure
}

// Middleware inspects a call before its handler runs. It returns the request
// context to pass on, possibly augmented, or an error to reject the call.
type Middleware func(ctx context.Context, info CallInfo, rc RequestContext) (RequestContext, error)

// Scope registers release callbacks for acquired resources. Callbacks run
// exactly once, in reverse registration order, when the scope closes.
type Scope interface {
	Defer(name string, release func(ctx context.Context) error)
}
