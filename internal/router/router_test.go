// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginrt/internal/router"
	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

type echoIn struct {
	Text string `json:"text"`
}

type echoOut struct {
	Text  string `json:"text"`
	Upper bool   `json:"upper,omitempty"`
}

var errDomain = errors.New("quota exhausted")

func echoDescriptor(mw ...plugin.Middleware) *plugin.Descriptor {
	return &plugin.Descriptor{
		ID:      "echo",
		Schemas: plugin.Schemas{Variables: schema.Any(), Secrets: schema.Any()},
		Contract: plugin.Contract{
			{Name: "echo", Input: schema.MustStruct[echoIn](), Output: schema.MustStruct[echoOut]()},
			{Name: "fail", Input: schema.Any(), Output: schema.Any()},
			{Name: "bad", Input: schema.Any(), Output: schema.MustJSON(`{"type":"string"}`)},
			{Name: "words", Input: schema.MustStruct[echoIn](), Output: schema.MustJSON(`{"type":"string"}`), Streaming: true},
		},
		Middleware:   mw,
		Initialize:   func(context.Context, plugin.Config, plugin.Scope) (any, error) { return nil, nil },
		CreateRouter: echoHandlers,
	}
}

func echoHandlers(any) (plugin.Handlers, error) {
	return plugin.Handlers{
		Procedures: map[string]plugin.Handler{
			"echo": func(_ context.Context, req plugin.Request) (any, error) {
				in := req.Input.(echoIn)
				_, upper := req.Context["upper"]
				if upper {
					return echoOut{Text: strings.ToUpper(in.Text), Upper: true}, nil
				}
				return echoOut{Text: in.Text}, nil
			},
			"fail": func(context.Context, plugin.Request) (any, error) { return nil, errDomain },
			"bad":  func(context.Context, plugin.Request) (any, error) { return 42, nil },
		},
		Streams: map[string]plugin.StreamHandler{
			"words": func(_ context.Context, req plugin.StreamRequest) (plugin.Batch, error) {
				return plugin.Batch{Items: []any{req.Input.(echoIn).Text}, Done: true}, nil
			},
		},
	}, nil
}

func build(t *testing.T, d *plugin.Descriptor, opts ...router.BuilderOption) *router.Router {
	t.Helper()
	r, err := router.NewBuilder(opts...).Build(d, nil)
	require.NoError(t, err)
	return r
}

func TestRouter_CallValidatesAndDispatches(t *testing.T) {
	r := build(t, echoDescriptor())

	out, err := r.Call(context.Background(), "echo", nil, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, echoOut{Text: "hi"}, out)
	assert.Equal(t, "echo", r.PluginID())
	assert.Len(t, r.Procedures(), 4)
}

func TestRouter_CallInputValidation(t *testing.T) {
	r := build(t, echoDescriptor())

	_, err := r.Call(context.Background(), "echo", nil, map[string]any{"txt": "hi"})
	var validationErr *plugin.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, plugin.StageInput, validationErr.Stage)
	assert.Equal(t, "echo", validationErr.Procedure)
}

func TestRouter_CallOutputValidation(t *testing.T) {
	r := build(t, echoDescriptor())

	_, err := r.Call(context.Background(), "bad", nil, nil)
	var validationErr *plugin.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, plugin.StageOutput, validationErr.Stage)
}

func TestRouter_DomainErrorsPassThroughVerbatim(t *testing.T) {
	r := build(t, echoDescriptor())

	_, err := r.Call(context.Background(), "fail", nil, nil)
	assert.Same(t, errDomain, err)
}

func TestRouter_UnknownAndMismatchedProcedures(t *testing.T) {
	r := build(t, echoDescriptor())

	_, err := r.Call(context.Background(), "nope", nil, nil)
	require.ErrorIs(t, err, plugin.ErrUnknownProcedure)

	_, err = r.Call(context.Background(), "words", nil, map[string]any{"text": "a"})
	require.ErrorIs(t, err, plugin.ErrStreaming)

	_, err = r.Open(context.Background(), "echo", nil, map[string]any{"text": "a"})
	require.ErrorIs(t, err, plugin.ErrNotStreaming)

	_, ok := r.Procedure("nope")
	assert.False(t, ok)
}

func TestRouter_MiddlewareOrderAndShortCircuit(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) plugin.Middleware {
		return func(_ context.Context, _ plugin.CallInfo, rc plugin.RequestContext) (plugin.RequestContext, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return rc.With(name, true), nil
		}
	}
	denied := errors.New("denied")
	reject := func(_ context.Context, _ plugin.CallInfo, rc plugin.RequestContext) (plugin.RequestContext, error) {
		mu.Lock()
		order = append(order, "reject")
		mu.Unlock()
		return nil, denied
	}

	d := echoDescriptor(record("plugin-1"), record("upper"))
	d.Contract[0].Middleware = []plugin.Middleware{record("proc")}
	r := build(t, d, router.WithMiddleware(record("runtime")))

	out, err := r.Call(context.Background(), "echo", nil, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, echoOut{Text: "HI", Upper: true}, out, "augmented context reaches the handler")
	assert.Equal(t, []string{"runtime", "plugin-1", "upper", "proc"}, order)

	order = nil
	d = echoDescriptor(record("first"), reject, record("never"))
	handled := false
	d.CreateRouter = func(any) (plugin.Handlers, error) {
		h, _ := echoHandlers(nil)
		h.Procedures["echo"] = func(context.Context, plugin.Request) (any, error) {
			handled = true
			return echoOut{}, nil
		}
		return h, nil
	}
	r = build(t, d)

	_, err = r.Call(context.Background(), "echo", nil, map[string]any{"text": "hi"})
	require.ErrorIs(t, err, denied)
	assert.Equal(t, []string{"first", "reject"}, order)
	assert.False(t, handled, "handler must not run after a middleware rejects")
}

func TestBuilder_IncompleteHandlerTable(t *testing.T) {
	d := echoDescriptor()
	d.CreateRouter = func(any) (plugin.Handlers, error) {
		h, _ := echoHandlers(nil)
		delete(h.Procedures, "fail")
		h.Procedures["extra"] = func(context.Context, plugin.Request) (any, error) { return nil, nil }
		h.Procedures["words"] = func(context.Context, plugin.Request) (any, error) { return nil, nil }
		return h, nil
	}

	_, err := router.NewBuilder().Build(d, nil)
	var loadErr *plugin.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, plugin.StageRouter, loadErr.Stage)

	var incomplete *router.IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"fail"}, incomplete.Missing)
	assert.Equal(t, []string{"extra", "words"}, incomplete.Unexpected)
}

func TestBuilder_CreateRouterFailure(t *testing.T) {
	d := echoDescriptor()
	d.CreateRouter = func(any) (plugin.Handlers, error) { panic("nil deps") }

	_, err := router.NewBuilder().Build(d, nil)
	var loadErr *plugin.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "createRouter panicked")
}

func TestRouter_ClientValidatesContext(t *testing.T) {
	d := echoDescriptor()
	d.Schemas.Context = schema.MustJSON(`{
		"type": "object",
		"properties": {"principal": {"type": "string"}},
		"required": ["principal"]
	}`)
	r := build(t, d)

	_, err := r.Client(plugin.RequestContext{})
	var validationErr *plugin.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, plugin.StageContext, validationErr.Stage)

	client, err := r.Client(plugin.RequestContext{"principal": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada", client.Context().Principal())
	assert.Len(t, client.Procedures(), 4)
}

func TestInvoke_TypedOutput(t *testing.T) {
	r := build(t, echoDescriptor())
	client, err := r.Client(plugin.RequestContext{"upper": true})
	require.NoError(t, err)

	out, err := router.Invoke[echoOut](context.Background(), client, "echo", echoIn{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, echoOut{Text: "GO", Upper: true}, out)

	asMap, err := router.Invoke[map[string]any](context.Background(), client, "echo", echoIn{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "GO", asMap["text"])

	_, err = router.Invoke[echoOut](context.Background(), client, "fail", nil)
	assert.Same(t, errDomain, err)
}

func TestStreamCall_Pull(t *testing.T) {
	r := build(t, echoDescriptor())
	client, err := r.Client(nil)
	require.NoError(t, err)

	call, err := client.Open(context.Background(), "words", echoIn{Text: "w"})
	require.NoError(t, err)
	assert.Equal(t, "echo", call.PluginID())
	assert.True(t, call.Procedure().Streaming)

	batch, err := call.Pull(context.Background(), json.RawMessage(`{}`), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"w"}, batch.Items)
	assert.True(t, batch.Done)

	_, err = client.Open(context.Background(), "words", map[string]any{})
	var validationErr *plugin.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestRouter_Observer(t *testing.T) {
	var calls []string
	var errs []error
	observer := func(pluginID, procedure string, _ time.Duration, err error) {
		calls = append(calls, pluginID+"/"+procedure)
		errs = append(errs, err)
	}
	r := build(t, echoDescriptor(), router.WithObserver(observer))

	_, _ = r.Call(context.Background(), "echo", nil, echoIn{Text: "a"})
	_, _ = r.Call(context.Background(), "fail", nil, nil)

	assert.Equal(t, []string{"echo/echo", "echo/fail"}, calls)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], errDomain)
}
