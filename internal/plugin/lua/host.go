// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	plugins "github.com/holomush/pluginrt/internal/plugin"
	pluginpkg "github.com/holomush/pluginrt/pkg/plugin"
)

// Entry point globals every Lua plugin defines.
const (
	fnInitialize   = "initialize"
	fnCreateRouter = "create_router"
	fnShutdown     = "shutdown"
)

const defaultChunkCacheSize = 128

// ErrInstanceClosed is returned by handlers of an instance whose state was
// already released.
var ErrInstanceClosed = errors.New("lua instance is closed")

// Compile-time interface check.
var _ plugins.Instantiator = (*Host)(nil)

// Host instantiates Lua plugins. Each instance gets its own sandboxed state;
// compiled chunks are shared.
type Host struct {
	factory *StateFactory
	chunks  *ChunkCache
	logger  *slog.Logger
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the logger handed to plugins through pluginrt.log.
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithChunkCache shares a chunk cache between hosts.
func WithChunkCache(c *ChunkCache) HostOption {
	return func(h *Host) {
		h.chunks = c
	}
}

// NewHost creates a Lua plugin host.
func NewHost(opts ...HostOption) (*Host, error) {
	h := &Host{factory: NewStateFactory(), logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if h.chunks == nil {
		chunks, err := NewChunkCache(defaultChunkCacheSize)
		if err != nil {
			return nil, err
		}
		h.chunks = chunks
	}
	return h, nil
}

// Type implements plugins.Instantiator.
func (h *Host) Type() plugins.Type {
	return plugins.TypeLua
}

// Instantiate compiles the entry, checks that it defines the entry points and
// returns a descriptor whose instances each run in a fresh state.
func (h *Host) Instantiate(ctx context.Context, manifest *plugins.Manifest, artifact plugins.Artifact) (*pluginpkg.Descriptor, error) {
	errb := oops.In("lua").With("plugin", manifest.Name).With("operation", "instantiate")

	source := artifact.Data
	if source == nil && artifact.Path != "" {
		data, err := os.ReadFile(artifact.Path)
		if err != nil {
			return nil, errb.With("path", artifact.Path).Hint("failed to read entry file").Wrap(err)
		}
		source = data
	}

	proto, err := h.chunks.Compile(manifest.Entry(), string(source))
	if err != nil {
		return nil, errb.With("entry", manifest.Entry()).Hint("syntax error").Wrap(err)
	}

	// Validate the entry points in a throwaway state.
	L, err := h.factory.NewState(ctx)
	if err != nil {
		return nil, errb.Hint("failed to create validation state").Wrap(err)
	}
	defer L.Close()
	registerHostFunctions(L, h.logger.With("plugin", manifest.Name))
	if err := run(L, proto); err != nil {
		return nil, errb.With("entry", manifest.Entry()).Wrap(err)
	}
	for _, name := range []string{fnInitialize, fnCreateRouter} {
		if L.GetGlobal(name).Type() != lua.LTFunction {
			return nil, errb.With("entry", manifest.Entry()).Errorf("entry must define function %s", name)
		}
	}
	hasShutdown := L.GetGlobal(fnShutdown).Type() == lua.LTFunction

	schemas, err := manifest.DescriptorSchemas()
	if err != nil {
		return nil, errb.Wrap(err)
	}
	contract, err := manifest.Contract()
	if err != nil {
		return nil, errb.Wrap(err)
	}

	d := &pluginpkg.Descriptor{
		ID:          manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Schemas:     schemas,
		Contract:    contract,
		Initialize: func(ctx context.Context, cfg pluginpkg.Config, scope pluginpkg.Scope) (any, error) {
			return h.initialize(ctx, manifest.Name, proto, contract, artifact.Shared, cfg, scope)
		},
		CreateRouter: func(deps any) (pluginpkg.Handlers, error) {
			inst, ok := deps.(*instance)
			if !ok {
				return pluginpkg.Handlers{}, fmt.Errorf("unexpected dependencies %T", deps)
			}
			return inst.handlers()
		},
	}
	if hasShutdown {
		d.Shutdown = func(ctx context.Context, deps any) error {
			inst, ok := deps.(*instance)
			if !ok {
				return fmt.Errorf("unexpected dependencies %T", deps)
			}
			return inst.shutdown(ctx)
		}
	}
	return d, nil
}

// Close implements plugins.Instantiator. Instances own their states, so
// there is nothing shared to release.
func (h *Host) Close(context.Context) error {
	return nil
}

// instance is one initialized Lua plugin. Its state is not safe for
// concurrent use, so every entry into it holds mu.
type instance struct {
	pluginID string
	contract pluginpkg.Contract
	logger   *slog.Logger

	mu     sync.Mutex
	L      *lua.LState
	deps   lua.LValue
	closed bool
}

func (h *Host) initialize(ctx context.Context, pluginID string, proto *lua.FunctionProto, contract pluginpkg.Contract, shared map[string]any, cfg pluginpkg.Config, scope pluginpkg.Scope) (any, error) {
	L, err := h.factory.NewState(ctx)
	if err != nil {
		return nil, err
	}
	inst := &instance{pluginID: pluginID, contract: contract, L: L, deps: lua.LNil, logger: h.logger.With("plugin", pluginID)}
	scope.Defer("lua-state", inst.close)
	registerHostFunctions(L, inst.logger)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	defer L.RemoveContext()

	if err := run(L, proto); err != nil {
		return nil, err
	}

	config := L.NewTable()
	vars, err := toLua(L, cfg.Variables)
	if err != nil {
		return nil, fmt.Errorf("convert variables: %w", err)
	}
	secrets, err := toLua(L, cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("convert secrets: %w", err)
	}
	config.RawSetString("variables", vars)
	config.RawSetString("secrets", secrets)
	if len(shared) > 0 {
		// Shared values arrive in their JSON form.
		sharedTable, err := toLua(L, shared)
		if err != nil {
			return nil, fmt.Errorf("convert shared dependencies: %w", err)
		}
		config.RawSetString("shared", sharedTable)
	}

	ret, err := inst.call(L.GetGlobal(fnInitialize), config, inst.scopeTable(scope))
	if err != nil {
		return nil, err
	}
	inst.deps = ret
	return inst, nil
}

// handlers calls create_router and maps its functions onto the contract.
// Functions without a contract entry are returned as unary handlers so the
// router builder reports them.
func (inst *instance) handlers() (pluginpkg.Handlers, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return pluginpkg.Handlers{}, ErrInstanceClosed
	}

	ret, err := inst.call(inst.L.GetGlobal(fnCreateRouter), inst.deps)
	if err != nil {
		return pluginpkg.Handlers{}, err
	}
	table, ok := ret.(*lua.LTable)
	if !ok {
		return pluginpkg.Handlers{}, fmt.Errorf("%s must return a table, got %s", fnCreateRouter, ret.Type().String())
	}

	names, fns := functions(table)
	handlers := pluginpkg.Handlers{
		Procedures: make(map[string]pluginpkg.Handler),
		Streams:    make(map[string]pluginpkg.StreamHandler),
	}
	for _, name := range names {
		fn := fns[name]
		if proc, ok := inst.contract.Lookup(name); ok && proc.Streaming {
			handlers.Streams[name] = inst.streamHandler(name, fn)
			continue
		}
		handlers.Procedures[name] = inst.unaryHandler(name, fn)
	}
	return handlers, nil
}

func (inst *instance) unaryHandler(name string, fn *lua.LFunction) pluginpkg.Handler {
	return func(ctx context.Context, req pluginpkg.Request) (any, error) {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if inst.closed {
			return nil, ErrInstanceClosed
		}
		L := inst.L
		L.SetContext(ctx)
		defer L.RemoveContext()

		input, err := toLua(L, req.Input)
		if err != nil {
			return nil, fmt.Errorf("convert input: %w", err)
		}
		rc, err := contextToLua(L, req.Context)
		if err != nil {
			return nil, err
		}
		ret, err := inst.call(fn, input, rc)
		if err != nil {
			return nil, oops.In("lua").With("plugin", inst.pluginID).With("procedure", name).Wrap(err)
		}
		return fromLua(ret)
	}
}

func (inst *instance) streamHandler(name string, fn *lua.LFunction) pluginpkg.StreamHandler {
	return func(ctx context.Context, req pluginpkg.StreamRequest) (pluginpkg.Batch, error) {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if inst.closed {
			return pluginpkg.Batch{}, ErrInstanceClosed
		}
		L := inst.L
		L.SetContext(ctx)
		defer L.RemoveContext()

		input, err := toLua(L, req.Input)
		if err != nil {
			return pluginpkg.Batch{}, fmt.Errorf("convert input: %w", err)
		}
		state, err := toLua(L, req.State)
		if err != nil {
			return pluginpkg.Batch{}, fmt.Errorf("convert state: %w", err)
		}
		rc, err := contextToLua(L, req.Context)
		if err != nil {
			return pluginpkg.Batch{}, err
		}
		args := []lua.LValue{input, state, rc, lua.LNumber(req.Limit)}
		if req.Scope != nil {
			args = append(args, inst.scopeTable(req.Scope))
		}

		ret, err := inst.call(fn, args...)
		if err != nil {
			return pluginpkg.Batch{}, oops.In("lua").With("plugin", inst.pluginID).With("procedure", name).Wrap(err)
		}
		return batchFromLua(ret)
	}
}

func contextToLua(L *lua.LState, rc pluginpkg.RequestContext) (lua.LValue, error) {
	if len(rc) == 0 {
		return L.NewTable(), nil
	}
	v, err := toLua(L, map[string]any(rc))
	if err != nil {
		return lua.LNil, fmt.Errorf("convert context: %w", err)
	}
	return v, nil
}

func batchFromLua(ret lua.LValue) (pluginpkg.Batch, error) {
	table, ok := ret.(*lua.LTable)
	if !ok {
		return pluginpkg.Batch{}, fmt.Errorf("stream handler must return a table, got %s", ret.Type().String())
	}

	var batch pluginpkg.Batch
	if items, ok := table.RawGetString("items").(*lua.LTable); ok {
		for i := 1; i <= items.Len(); i++ {
			item, err := fromLua(items.RawGetInt(i))
			if err != nil {
				return pluginpkg.Batch{}, fmt.Errorf("items[%d]: %w", i, err)
			}
			batch.Items = append(batch.Items, item)
		}
	}

	if state := table.RawGetString("state"); state != lua.LNil {
		v, err := fromLua(state)
		if err != nil {
			return pluginpkg.Batch{}, fmt.Errorf("state: %w", err)
		}
		if batch.State, err = pluginpkg.EncodeState(v); err != nil {
			return pluginpkg.Batch{}, err
		}
	}
	if phase, ok := table.RawGetString("phase").(lua.LString); ok {
		batch.Phase = string(phase)
	}
	batch.Done = lua.LVAsBool(table.RawGetString("done"))
	return batch, nil
}

func (inst *instance) shutdown(ctx context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return nil
	}
	inst.L.SetContext(ctx)
	defer inst.L.RemoveContext()
	_, err := inst.call(inst.L.GetGlobal(fnShutdown), inst.deps)
	return err
}

func (inst *instance) close(context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return nil
	}
	inst.closed = true
	inst.L.Close()
	return nil
}

// call invokes fn with args and returns its first result. mu must be held.
func (inst *instance) call(fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	L := inst.L
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// scopeTable exposes scope to Lua as an object with a defer method:
// scope:defer(name, fn). The release runs fn in the instance state.
func (inst *instance) scopeTable(scope pluginpkg.Scope) *lua.LTable {
	L := inst.L
	t := L.NewTable()
	t.RawSetString("defer", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(2)
		fn := L.CheckFunction(3)
		scope.Defer(name, func(ctx context.Context) error {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			if inst.closed {
				return nil
			}
			inst.L.SetContext(ctx)
			defer inst.L.RemoveContext()
			_, err := inst.call(fn)
			return err
		})
		return 0
	}))
	return t
}
