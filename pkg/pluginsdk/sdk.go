// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk provides the SDK for building binary plugins.
//
// Binary plugins run as separate processes and talk to the runtime over
// HashiCorp go-plugin's net/rpc transport. Payloads travel as JSON, so a
// module only deals with its own types.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//
//		"github.com/holomush/pluginrt/pkg/pluginsdk"
//	)
//
//	type Echo struct{}
//
//	func (Echo) Initialize(context.Context, pluginsdk.InitializeRequest) (pluginsdk.InitializeResponse, error) {
//		return pluginsdk.InitializeResponse{
//			Procedures: []pluginsdk.ProcedureInfo{{Name: "echo"}},
//		}, nil
//	}
//
//	func (Echo) Call(_ context.Context, req pluginsdk.CallRequest) (json.RawMessage, error) {
//		return req.Input, nil
//	}
//
//	func (Echo) Pull(context.Context, pluginsdk.PullRequest) (pluginsdk.PullResponse, error) {
//		return pluginsdk.PullResponse{Done: true}, nil
//	}
//
//	func (Echo) Shutdown(context.Context) error { return nil }
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{Module: Echo{}})
//	}
package pluginsdk

import (
	"context"
	"encoding/json"

	hashiplug "github.com/hashicorp/go-plugin"
)

// PluginName is the name under which the module is dispensed.
const PluginName = "module"

// ProcedureInfo names one procedure a module serves.
type ProcedureInfo struct {
	Name      string
	Streaming bool
}

// InitializeRequest carries the validated configuration of an instance.
// Secrets are already hydrated.
type InitializeRequest struct {
	PluginID  string
	Variables json.RawMessage
	Secrets   json.RawMessage
}

// InitializeResponse lists the procedures the module serves.
type InitializeResponse struct {
	Procedures []ProcedureInfo
}

// CallRequest invokes a unary procedure.
type CallRequest struct {
	Procedure string
	Input     json.RawMessage
	Context   json.RawMessage
}

// CallResponse carries a unary result.
type CallResponse struct {
	Output json.RawMessage
}

// PullRequest asks a streaming procedure for its next batch.
type PullRequest struct {
	Procedure string
	Input     json.RawMessage
	State     json.RawMessage
	Context   json.RawMessage
	// Limit is the number of items the caller still wants; 0 means no cap.
	Limit int
}

// PullResponse is one batch of a streaming procedure.
type PullResponse struct {
	Items []json.RawMessage
	State json.RawMessage
	Phase string
	Done  bool
}

// Module is the interface that binary plugins must implement. The process
// serves exactly one instance, so Initialize is called once before any Call
// or Pull, and Shutdown once at the end.
type Module interface {
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error)
	Call(ctx context.Context, req CallRequest) (json.RawMessage, error)
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
	Shutdown(ctx context.Context) error
}

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINRT_PLUGIN",
	MagicCookieValue: "pluginrt-v1",
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Module is the implementation to serve.
	// Required; Serve will panic if nil.
	Module Module
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Module == nil {
		panic("pluginsdk: config.Module cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &ModulePlugin{Impl: config.Module},
		},
	})
}
