// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command echo is a binary plugin that returns its input and replays it as
// a stream.
//
// Build it next to its manifest:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holomush/pluginrt/pkg/pluginsdk"
)

type variables struct {
	Prefix string `json:"prefix"`
}

type replayInput struct {
	Message string `json:"message"`
	Times   int    `json:"times"`
}

type replayState struct {
	Sent int `json:"sent"`
}

type echo struct {
	prefix string
}

func (e *echo) Initialize(_ context.Context, req pluginsdk.InitializeRequest) (pluginsdk.InitializeResponse, error) {
	var vars variables
	if len(req.Variables) > 0 && string(req.Variables) != "null" {
		if err := json.Unmarshal(req.Variables, &vars); err != nil {
			return pluginsdk.InitializeResponse{}, fmt.Errorf("decode variables: %w", err)
		}
	}
	e.prefix = vars.Prefix
	return pluginsdk.InitializeResponse{
		Procedures: []pluginsdk.ProcedureInfo{
			{Name: "echo"},
			{Name: "shout"},
			{Name: "replay", Streaming: true},
		},
	}, nil
}

func (e *echo) Call(_ context.Context, req pluginsdk.CallRequest) (json.RawMessage, error) {
	switch req.Procedure {
	case "echo":
		if e.prefix == "" {
			return req.Input, nil
		}
		var s string
		if err := json.Unmarshal(req.Input, &s); err != nil {
			return req.Input, nil //nolint:nilerr // non-string input echoes unchanged
		}
		return json.Marshal(e.prefix + s)
	case "shout":
		var s string
		if err := json.Unmarshal(req.Input, &s); err != nil {
			return nil, fmt.Errorf("shout expects a string: %w", err)
		}
		return json.Marshal(strings.ToUpper(e.prefix + s))
	default:
		return nil, fmt.Errorf("unknown procedure %q", req.Procedure)
	}
}

func (e *echo) Pull(_ context.Context, req pluginsdk.PullRequest) (pluginsdk.PullResponse, error) {
	if req.Procedure != "replay" {
		return pluginsdk.PullResponse{}, fmt.Errorf("unknown stream %q", req.Procedure)
	}
	var in replayInput
	if err := json.Unmarshal(req.Input, &in); err != nil {
		return pluginsdk.PullResponse{}, fmt.Errorf("decode input: %w", err)
	}
	var st replayState
	if len(req.State) > 0 && string(req.State) != "null" {
		if err := json.Unmarshal(req.State, &st); err != nil {
			return pluginsdk.PullResponse{}, fmt.Errorf("decode state: %w", err)
		}
	}

	n := in.Times - st.Sent
	if req.Limit > 0 && req.Limit < n {
		n = req.Limit
	}
	resp := pluginsdk.PullResponse{Phase: "replay"}
	for range max(n, 0) {
		st.Sent++
		item, err := json.Marshal(fmt.Sprintf("%s%s #%d", e.prefix, in.Message, st.Sent))
		if err != nil {
			return pluginsdk.PullResponse{}, err
		}
		resp.Items = append(resp.Items, item)
	}
	state, err := json.Marshal(st)
	if err != nil {
		return pluginsdk.PullResponse{}, err
	}
	resp.State = state
	resp.Done = st.Sent >= in.Times
	return resp, nil
}

func (e *echo) Shutdown(context.Context) error {
	return nil
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{Module: &echo{}})
}
