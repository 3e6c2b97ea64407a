// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"

	hashiplug "github.com/hashicorp/go-plugin"
)

// ErrNoModule is returned when a plugin is served without an implementation.
var ErrNoModule = errors.New("pluginsdk: module is nil")

// ModulePlugin implements go-plugin's Plugin interface for net/rpc.
type ModulePlugin struct {
	// Impl is used by the plugin side; the host leaves it nil.
	Impl Module
}

// Server returns the RPC server (called by the plugin process).
func (p *ModulePlugin) Server(*hashiplug.MuxBroker) (interface{}, error) {
	if p.Impl == nil {
		return nil, ErrNoModule
	}
	return &RPCServer{Impl: p.Impl}, nil
}

// Client returns a Module backed by c (called by the host process).
func (p *ModulePlugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (interface{}, error) {
	return NewRPCClient(c), nil
}

// RPCServer exposes a Module over net/rpc. net/rpc carries no context, so
// the module sees a background context.
type RPCServer struct {
	Impl Module
}

// Initialize implements the RPC method.
func (s *RPCServer) Initialize(req InitializeRequest, resp *InitializeResponse) error {
	out, err := s.Impl.Initialize(context.Background(), req)
	if err != nil {
		return err //nolint:wrapcheck // module errors cross the wire verbatim
	}
	*resp = out
	return nil
}

// Call implements the RPC method.
func (s *RPCServer) Call(req CallRequest, resp *CallResponse) error {
	out, err := s.Impl.Call(context.Background(), req)
	if err != nil {
		return err //nolint:wrapcheck // module errors cross the wire verbatim
	}
	resp.Output = out
	return nil
}

// Pull implements the RPC method.
func (s *RPCServer) Pull(req PullRequest, resp *PullResponse) error {
	out, err := s.Impl.Pull(context.Background(), req)
	if err != nil {
		return err //nolint:wrapcheck // module errors cross the wire verbatim
	}
	*resp = out
	return nil
}

// Shutdown implements the RPC method.
func (s *RPCServer) Shutdown(_ string, resp *bool) error {
	if err := s.Impl.Shutdown(context.Background()); err != nil {
		return err //nolint:wrapcheck // module errors cross the wire verbatim
	}
	*resp = true
	return nil
}

// RPCClient is the host-side Module talking to a plugin process.
type RPCClient struct {
	client *rpc.Client
}

// Compile-time interface check.
var _ Module = (*RPCClient)(nil)

// NewRPCClient wraps an RPC connection to a plugin.
func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{client: c}
}

// Initialize implements Module.
func (c *RPCClient) Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error) {
	var resp InitializeResponse
	err := c.call(ctx, "Initialize", req, &resp)
	return resp, err
}

// Call implements Module.
func (c *RPCClient) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	var resp CallResponse
	if err := c.call(ctx, "Call", req, &resp); err != nil {
		return nil, err
	}
	return resp.Output, nil
}

// Pull implements Module.
func (c *RPCClient) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	var resp PullResponse
	err := c.call(ctx, "Pull", req, &resp)
	return resp, err
}

// Shutdown implements Module.
func (c *RPCClient) Shutdown(ctx context.Context) error {
	var ok bool
	return c.call(ctx, "Shutdown", "shutdown", &ok)
}

// call runs one RPC and gives up when ctx ends. The plugin keeps running
// the abandoned request.
func (c *RPCClient) call(ctx context.Context, method string, args, reply any) error {
	pending := c.client.Go("Plugin."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case done := <-pending.Done:
		if done.Error != nil {
			return fmt.Errorf("plugin %s: %w", method, done.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("plugin %s: %w", method, ctx.Err())
	}
}
