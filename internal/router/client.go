// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package router

import (
	"context"
	"fmt"

	"github.com/holomush/pluginrt/pkg/plugin"
)

// Client calls a plugin's procedures with a fixed request context.
type Client struct {
	router *Router
	rc     plugin.RequestContext
}

// Context returns the bound request context.
func (c *Client) Context() plugin.RequestContext {
	return c.rc
}

// Procedures returns the plugin's contract.
func (c *Client) Procedures() plugin.Contract {
	return c.router.Procedures()
}

// Call invokes a unary procedure.
func (c *Client) Call(ctx context.Context, procedure string, input any) (any, error) {
	return c.router.Call(ctx, procedure, c.rc, input)
}

// Open starts a streaming procedure.
func (c *Client) Open(ctx context.Context, procedure string, input any) (*StreamCall, error) {
	return c.router.Open(ctx, procedure, c.rc, input)
}

// Invoke calls procedure and returns its validated output as Out.
//
//	forecast, err := router.Invoke[Forecast](ctx, client, "forecast", Query{City: "Oslo"})
func Invoke[Out any](ctx context.Context, c *Client, procedure string, input any) (Out, error) {
	var zero Out
	out, err := c.Call(ctx, procedure, input)
	if err != nil {
		return zero, err
	}
	typed, err := plugin.Decode[Out](out)
	if err != nil {
		return zero, fmt.Errorf("plugin %s procedure %s: %w", c.router.pluginID, procedure, err)
	}
	return typed, nil
}
