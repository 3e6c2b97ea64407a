// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin instantiates binary plugins using HashiCorp's go-plugin
// system over net/rpc.
package goplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	plugins "github.com/holomush/pluginrt/internal/plugin"
	pluginpkg "github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
	"github.com/holomush/pluginrt/pkg/pluginsdk"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrHostClosed is returned when operations are attempted on a closed host.
	ErrHostClosed = errors.New("host is closed")
	// ErrInstanceClosed is returned by handlers of a killed plugin process.
	ErrInstanceClosed = errors.New("plugin process is closed")
	// ErrNotModule is returned when the dispensed plugin is not a pluginsdk.Module.
	ErrNotModule = errors.New("plugin does not implement pluginsdk.Module")
)

// Compile-time interface check.
var _ plugins.Instantiator = (*Host)(nil)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the RPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct {
	// Logger receives the plugin process output. Defaults to slog.Default.
	Logger *slog.Logger
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from a validated manifest
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
		Logger: hclog.FromStandardLogger(
			slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
			&hclog.LoggerOptions{Name: filepath.Base(execPath), Level: hclog.Info},
		),
	})
}

// Host instantiates binary plugins. Each instance is its own process.
type Host struct {
	clientFactory ClientFactory
	logger        *slog.Logger

	mu     sync.Mutex
	temp   []string
	closed bool
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// NewHost creates a new binary plugin host.
func NewHost(opts ...HostOption) *Host {
	h := &Host{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.clientFactory = &DefaultClientFactory{Logger: h.logger}
	return h
}

// NewHostWithFactory creates a host with a custom client factory (for testing).
// Panics if factory is nil.
func NewHostWithFactory(factory ClientFactory, opts ...HostOption) *Host {
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	h := NewHost(opts...)
	h.clientFactory = factory
	return h
}

// Type implements plugins.Instantiator.
func (h *Host) Type() plugins.Type {
	return plugins.TypeBinary
}

// Instantiate resolves the executable and returns a descriptor whose
// instances each start a plugin process. Fetched executables are written to
// a private temporary directory that Close removes.
func (h *Host) Instantiate(_ context.Context, manifest *plugins.Manifest, artifact plugins.Artifact) (*pluginpkg.Descriptor, error) {
	errb := oops.In("goplugin").With("plugin", manifest.Name).With("operation", "instantiate")

	if manifest.BinaryPlugin == nil {
		return nil, errb.Errorf("plugin %s is not a binary plugin", manifest.Name)
	}

	execPath, err := h.resolve(manifest, artifact)
	if err != nil {
		return nil, errb.Wrap(err)
	}

	schemas, err := manifest.DescriptorSchemas()
	if err != nil {
		return nil, errb.Wrap(err)
	}
	contract, err := manifest.Contract()
	if err != nil {
		return nil, errb.Wrap(err)
	}

	return &pluginpkg.Descriptor{
		ID:          manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Schemas:     schemas,
		Contract:    contract,
		Initialize: func(ctx context.Context, cfg pluginpkg.Config, scope pluginpkg.Scope) (any, error) {
			return h.initialize(ctx, manifest.Name, execPath, cfg, scope)
		},
		CreateRouter: func(deps any) (pluginpkg.Handlers, error) {
			inst, ok := deps.(*instance)
			if !ok {
				return pluginpkg.Handlers{}, fmt.Errorf("unexpected dependencies %T", deps)
			}
			return inst.handlers(), nil
		},
		Shutdown: func(ctx context.Context, deps any) error {
			inst, ok := deps.(*instance)
			if !ok {
				return fmt.Errorf("unexpected dependencies %T", deps)
			}
			return inst.shutdown(ctx)
		},
	}, nil
}

func (h *Host) resolve(manifest *plugins.Manifest, artifact plugins.Artifact) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return "", ErrHostClosed
	}

	if artifact.Path != "" {
		if _, err := os.Stat(artifact.Path); err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("plugin executable not found: %s: %w", artifact.Path, err)
			}
			return "", fmt.Errorf("cannot access plugin executable %s: %w", artifact.Path, err)
		}
		return artifact.Path, nil
	}
	if len(artifact.Data) == 0 {
		return "", fmt.Errorf("plugin %s: artifact has no executable", manifest.Name)
	}

	dir, err := os.MkdirTemp("", "pluginrt-"+manifest.Name+"-")
	if err != nil {
		return "", fmt.Errorf("create executable directory: %w", err)
	}
	execPath := filepath.Join(dir, filepath.Base(manifest.BinaryPlugin.Executable))
	// #nosec G306 -- the plugin must be executable; the directory is private
	if err := os.WriteFile(execPath, artifact.Data, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write plugin executable: %w", err)
	}
	h.temp = append(h.temp, dir)
	return execPath, nil
}

// Close removes fetched executables. Running processes belong to their
// instances and are killed when those shut down.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	var errs []error
	for _, dir := range h.temp {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	h.temp = nil
	return errors.Join(errs...)
}

// instance is one running plugin process.
type instance struct {
	pluginID   string
	module     pluginsdk.Module
	procedures []pluginsdk.ProcedureInfo
	closed     atomic.Bool
}

func (h *Host) initialize(ctx context.Context, pluginID, execPath string, cfg pluginpkg.Config, scope pluginpkg.Scope) (any, error) {
	client := h.clientFactory.NewClient(execPath)
	inst := &instance{pluginID: pluginID}
	scope.Defer("plugin-process", func(context.Context) error {
		inst.closed.Store(true)
		client.Kill()
		return nil
	})

	rpcClient, err := client.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plugin %s: %w", pluginID, err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		return nil, fmt.Errorf("failed to dispense plugin %s: %w", pluginID, err)
	}

	module, ok := raw.(pluginsdk.Module)
	if !ok {
		return nil, fmt.Errorf("%w: %s dispensed %T", ErrNotModule, pluginID, raw)
	}
	inst.module = module

	vars, err := json.Marshal(cfg.Variables)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	secrets, err := json.Marshal(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("encode secrets: %w", err)
	}

	resp, err := module.Initialize(ctx, pluginsdk.InitializeRequest{
		PluginID:  pluginID,
		Variables: vars,
		Secrets:   secrets,
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // already names the plugin
	}
	inst.procedures = resp.Procedures

	h.logger.Debug("binary plugin started",
		"plugin", pluginID, "procedures", len(resp.Procedures))
	return inst, nil
}

// handlers maps the procedures the module reported onto RPC calls. The
// router builder checks them against the manifest contract.
func (inst *instance) handlers() pluginpkg.Handlers {
	handlers := pluginpkg.Handlers{
		Procedures: make(map[string]pluginpkg.Handler),
		Streams:    make(map[string]pluginpkg.StreamHandler),
	}
	for _, p := range inst.procedures {
		if p.Streaming {
			handlers.Streams[p.Name] = inst.streamHandler(p.Name)
			continue
		}
		handlers.Procedures[p.Name] = inst.unaryHandler(p.Name)
	}
	return handlers
}

func (inst *instance) unaryHandler(name string) pluginpkg.Handler {
	return func(ctx context.Context, req pluginpkg.Request) (any, error) {
		if inst.closed.Load() {
			return nil, ErrInstanceClosed
		}
		input, rc, err := encodeRequest(req.Input, req.Context)
		if err != nil {
			return nil, err
		}

		out, err := inst.module.Call(ctx, pluginsdk.CallRequest{Procedure: name, Input: input, Context: rc})
		if err != nil {
			return nil, oops.In("goplugin").With("plugin", inst.pluginID).With("procedure", name).Wrap(err)
		}
		return decode(out)
	}
}

func (inst *instance) streamHandler(name string) pluginpkg.StreamHandler {
	return func(ctx context.Context, req pluginpkg.StreamRequest) (pluginpkg.Batch, error) {
		if inst.closed.Load() {
			return pluginpkg.Batch{}, ErrInstanceClosed
		}
		input, rc, err := encodeRequest(req.Input, req.Context)
		if err != nil {
			return pluginpkg.Batch{}, err
		}

		resp, err := inst.module.Pull(ctx, pluginsdk.PullRequest{
			Procedure: name,
			Input:     input,
			State:     req.State,
			Context:   rc,
			Limit:     req.Limit,
		})
		if err != nil {
			return pluginpkg.Batch{}, oops.In("goplugin").With("plugin", inst.pluginID).With("procedure", name).Wrap(err)
		}

		batch := pluginpkg.Batch{Phase: resp.Phase, Done: resp.Done}
		if len(resp.State) > 0 {
			batch.State = resp.State
		}
		for i, raw := range resp.Items {
			item, err := decode(raw)
			if err != nil {
				return pluginpkg.Batch{}, fmt.Errorf("items[%d]: %w", i, err)
			}
			batch.Items = append(batch.Items, item)
		}
		return batch, nil
	}
}

func (inst *instance) shutdown(ctx context.Context) error {
	if inst.closed.Load() {
		return nil
	}
	return inst.module.Shutdown(ctx) //nolint:wrapcheck // already names the plugin
}

func encodeRequest(input any, rc pluginpkg.RequestContext) (json.RawMessage, json.RawMessage, error) {
	in, err := json.Marshal(input)
	if err != nil {
		return nil, nil, fmt.Errorf("encode input: %w", err)
	}
	if len(rc) == 0 {
		return in, nil, nil
	}
	ctxData, err := json.Marshal(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode context: %w", err)
	}
	return in, ctxData, nil
}

func decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := schema.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("decode plugin output: %w", err)
	}
	return v, nil
}
