// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginrt/internal/lifecycle"
	"github.com/holomush/pluginrt/internal/plugin"
	pluginlua "github.com/holomush/pluginrt/internal/plugin/lua"
	"github.com/holomush/pluginrt/internal/router"
	pluginpkg "github.com/holomush/pluginrt/pkg/plugin"
)

const greeterLua = `
released = {}

function initialize(config, scope)
    scope:defer("greeting-cache", function()
        table.insert(released, "greeting-cache")
    end)
    return { prefix = config.variables.prefix, token = config.secrets.token }
end

function create_router(deps)
    return {
        greet = function(input, ctx)
            return { message = deps.prefix .. ", " .. input.name, principal = ctx.principal }
        end,
        fail = function(input, ctx)
            error("greeting refused")
        end,
        ticks = function(input, state, ctx, limit, scope)
            local next = 0
            if state ~= nil then next = state.next end
            local items = {}
            while #items < limit and next < input.total do
                table.insert(items, next)
                next = next + 1
            end
            local phase = "live"
            if next <= 2 then phase = "backfill" end
            return { items = items, state = { next = next }, phase = phase, done = next >= input.total }
        end,
    }
end

function shutdown(deps)
    table.insert(released, "shutdown:" .. deps.token)
end
`

func greeterManifest() *plugin.Manifest {
	return &plugin.Manifest{
		Name:      "greeter",
		Version:   "1.2.0",
		Type:      plugin.TypeLua,
		LuaPlugin: &plugin.LuaConfig{Entry: "main.lua"},
		Schemas: plugin.SchemaDocuments{
			Variables: map[string]any{
				"type":       "object",
				"properties": map[string]any{"prefix": map[string]any{"type": "string"}},
				"required":   []any{"prefix"},
			},
		},
		Procedures: []plugin.ProcedureSpec{
			{
				Name: "greet",
				Input: map[string]any{
					"type":       "object",
					"properties": map[string]any{"name": map[string]any{"type": "string"}},
					"required":   []any{"name"},
				},
			},
			{Name: "fail"},
			{
				Name:      "ticks",
				Streaming: true,
				State: map[string]any{
					"type":       "object",
					"properties": map[string]any{"next": map[string]any{"type": "number"}},
				},
			},
		},
	}
}

func newHost(t *testing.T) *pluginlua.Host {
	t.Helper()
	host, err := pluginlua.NewHost()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, host.Close(context.Background())) })
	return host
}

type loaded struct {
	descriptor *pluginpkg.Descriptor
	deps       any
	scope      *lifecycle.Scope
	router     *router.Router
}

func load(t *testing.T, source string) loaded {
	t.Helper()
	ctx := context.Background()

	d, err := newHost(t).Instantiate(ctx, greeterManifest(), plugin.Artifact{Data: []byte(source)})
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	deps, scope, err := lifecycle.NewManager().Initialize(ctx, d, pluginpkg.Config{
		Variables: map[string]any{"prefix": "Hello"},
		Secrets:   map[string]any{"token": "t0k"},
	})
	require.NoError(t, err)

	r, err := router.NewBuilder().Build(d, deps)
	require.NoError(t, err)
	return loaded{descriptor: d, deps: deps, scope: scope, router: r}
}

func TestHost_Type(t *testing.T) {
	assert.Equal(t, plugin.TypeLua, newHost(t).Type())
}

func TestHost_Instantiate_DescriptorFromManifest(t *testing.T) {
	d, err := newHost(t).Instantiate(context.Background(), greeterManifest(), plugin.Artifact{Data: []byte(greeterLua)})
	require.NoError(t, err)

	assert.Equal(t, "greeter", d.ID)
	assert.Equal(t, "1.2.0", d.Version)
	assert.Equal(t, []string{"greet", "fail", "ticks"}, d.Contract.Names())
	assert.NotNil(t, d.Shutdown)

	_, err = d.Schemas.Variables.Validate(map[string]any{})
	require.Error(t, err, "variables schema comes from the manifest")
}

func TestHost_Instantiate_ReadsEntryFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.lua")
	require.NoError(t, os.WriteFile(path, []byte(greeterLua), 0o600))

	d, err := newHost(t).Instantiate(context.Background(), greeterManifest(), plugin.Artifact{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "greeter", d.ID)
}

func TestHost_Instantiate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr string
	}{
		{"syntax error", `function initialize(`, "syntax"},
		{"runtime error", `error("boom")`, "boom"},
		{"missing initialize", `function create_router() return {} end`, "initialize"},
		{"missing create_router", `function initialize() return nil end`, "create_router"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newHost(t).Instantiate(context.Background(), greeterManifest(), plugin.Artifact{Data: []byte(tt.source)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHost_Instantiate_MissingFile(t *testing.T) {
	_, err := newHost(t).Instantiate(context.Background(), greeterManifest(), plugin.Artifact{Path: filepath.Join(t.TempDir(), "absent.lua")})
	require.Error(t, err)
}

func TestHost_UnaryCall(t *testing.T) {
	l := load(t, greeterLua)
	defer func() { require.NoError(t, l.scope.Close(context.Background())) }()

	out, err := l.router.Call(context.Background(), "greet", pluginpkg.RequestContext{"principal": "alice"}, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "Hello, Ada", "principal": "alice"}, out)

	_, err = l.router.Call(context.Background(), "greet", nil, map[string]any{})
	var validationErr *pluginpkg.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, pluginpkg.StageInput, validationErr.Stage)
}

func TestHost_HandlerError(t *testing.T) {
	l := load(t, greeterLua)
	defer func() { require.NoError(t, l.scope.Close(context.Background())) }()

	_, err := l.router.Call(context.Background(), "fail", nil, nil)
	require.ErrorContains(t, err, "greeting refused")
}

func TestHost_StreamPull(t *testing.T) {
	l := load(t, greeterLua)
	defer func() { require.NoError(t, l.scope.Close(context.Background())) }()

	call, err := l.router.Open(context.Background(), "ticks", nil, map[string]any{"total": 5})
	require.NoError(t, err)

	batch, err := call.Pull(context.Background(), nil, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(0), float64(1)}, batch.Items)
	assert.Equal(t, "backfill", batch.Phase)
	assert.False(t, batch.Done)
	assert.JSONEq(t, `{"next":2}`, string(batch.State))

	batch, err = call.Pull(context.Background(), json.RawMessage(`{"next":2}`), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2), float64(3), float64(4)}, batch.Items)
	assert.Equal(t, "live", batch.Phase)
	assert.True(t, batch.Done)
}

func TestHost_StreamScopeDefer(t *testing.T) {
	source := greeterLua + `
stream_released = 0
local base = create_router
function create_router(deps)
    local routes = base(deps)
    routes.ticks = function(input, state, ctx, limit, scope)
        scope:defer("cursor", function() stream_released = stream_released + 1 end)
        return { items = {}, done = true }
    end
    return routes
end
`
	l := load(t, source)
	defer func() { require.NoError(t, l.scope.Close(context.Background())) }()

	call, err := l.router.Open(context.Background(), "ticks", nil, map[string]any{"total": 1})
	require.NoError(t, err)

	streamScope := lifecycle.NewScope("stream", nil)
	_, err = call.Pull(context.Background(), nil, 1, streamScope)
	require.NoError(t, err)
	assert.Equal(t, 1, streamScope.Len())
	require.NoError(t, streamScope.Close(context.Background()))
}

func TestHost_ShutdownClosesInstance(t *testing.T) {
	l := load(t, greeterLua)

	var order []string
	l.scope.Defer("marker", func(context.Context) error {
		order = append(order, "marker")
		return nil
	})

	require.NoError(t, lifecycle.NewManager().Shutdown(context.Background(), l.descriptor, l.deps, l.scope))
	assert.Equal(t, []string{"marker"}, order)

	_, err := l.router.Call(context.Background(), "greet", nil, map[string]any{"name": "late"})
	require.ErrorIs(t, err, pluginlua.ErrInstanceClosed)
}

func TestHost_InitializeFailureClosesState(t *testing.T) {
	source := `
function initialize(config, scope)
    error("no database")
end
function create_router(deps) return {} end
`
	d, err := newHost(t).Instantiate(context.Background(), greeterManifest(), plugin.Artifact{Data: []byte(source)})
	require.NoError(t, err)

	_, _, err = lifecycle.NewManager().Initialize(context.Background(), d, pluginpkg.Config{Variables: map[string]any{"prefix": "x"}})
	var resourceErr *pluginpkg.ResourceError
	require.ErrorAs(t, err, &resourceErr)
	assert.Equal(t, pluginpkg.OpInitialize, resourceErr.Op)
	assert.Contains(t, err.Error(), "no database")
}

func TestHost_UndeclaredHandlerIsReported(t *testing.T) {
	source := greeterLua + `
local base = create_router
function create_router(deps)
    local routes = base(deps)
    routes.extra = function() return nil end
    return routes
end
`
	d, err := newHost(t).Instantiate(context.Background(), greeterManifest(), plugin.Artifact{Data: []byte(source)})
	require.NoError(t, err)

	deps, scope, err := lifecycle.NewManager().Initialize(context.Background(), d, pluginpkg.Config{Variables: map[string]any{"prefix": "x"}})
	require.NoError(t, err)
	defer func() { require.NoError(t, scope.Close(context.Background())) }()

	_, err = router.NewBuilder().Build(d, deps)
	var incomplete *router.IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"extra"}, incomplete.Unexpected)
}

func TestHost_HostFunctions(t *testing.T) {
	source := `
function initialize(config, scope)
    pluginrt.log("info", "initializing")
    return {}
end
function create_router(deps)
    return {
        greet = function(input, ctx)
            local encoded = pluginrt.json_encode({ n = 1 })
            local decoded = pluginrt.json_decode(encoded)
            return { id = pluginrt.new_id(), n = decoded.n }
        end,
        fail = function() return nil end,
        ticks = function() return { done = true } end,
    }
end
`
	l := load(t, source)
	defer func() { require.NoError(t, l.scope.Close(context.Background())) }()

	out, err := l.router.Call(context.Background(), "greet", nil, map[string]any{"name": "x"})
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Len(t, m["id"], 26)
	assert.Equal(t, float64(1), m["n"])
}

func TestHost_SharedDependenciesReachConfig(t *testing.T) {
	const source = `
function initialize(config, scope)
    return config.shared
end

function create_router(deps)
    return {
        greet = function(input, ctx)
            return { message = deps["pluginrt-sdk"].greeting .. ", " .. input.name }
        end,
        fail = function() error("unused") end,
        ticks = function() return { items = {}, done = true } end,
    }
end
`
	ctx := context.Background()
	d, err := newHost(t).Instantiate(ctx, greeterManifest(), plugin.Artifact{
		Data:   []byte(source),
		Shared: map[string]any{"pluginrt-sdk": map[string]any{"greeting": "Howdy"}},
	})
	require.NoError(t, err)

	deps, scope, err := lifecycle.NewManager().Initialize(ctx, d, pluginpkg.Config{
		Variables: map[string]any{"prefix": "unused"},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, scope.Close(ctx)) }()

	r, err := router.NewBuilder().Build(d, deps)
	require.NoError(t, err)
	out, err := r.Call(ctx, "greet", nil, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "Howdy, Ada"}, out)
}
