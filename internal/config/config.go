// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the pluginrt configuration from a YAML file
// overlaid by command flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/pluginrt/internal/registry"
	"github.com/holomush/pluginrt/internal/statestore"
	"github.com/holomush/pluginrt/internal/xdg"
	"github.com/holomush/pluginrt/pkg/plugin"
)

// FileName is the configuration file looked up in the XDG config directory.
const FileName = "pluginrt.yaml"

// Defaults.
const (
	DefaultLogFormat   = "json"
	DefaultMetricsAddr = "127.0.0.1:9100"
)

// StateStore selects the stream checkpoint store.
type StateStore struct {
	Driver string `koanf:"driver"`
	URL    string `koanf:"url"`
}

// RegistryEntry is a remote plugin locator.
type RegistryEntry struct {
	ID          string `koanf:"id"`
	URL         string `koanf:"url"`
	Version     string `koanf:"version"`
	Description string `koanf:"description"`
}

// Shared is a dependency the host offers to plugins as a singleton.
type Shared struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// Preload is a plugin initialized when the server starts.
type Preload struct {
	ID        string         `koanf:"id"`
	Variables map[string]any `koanf:"variables"`
	Secrets   map[string]any `koanf:"secrets"`
}

// Config is the runtime configuration.
type Config struct {
	LogFormat   string          `koanf:"log_format"`
	MetricsAddr string          `koanf:"metrics_addr"`
	PluginsDir  string          `koanf:"plugins_dir"`
	SecretsFile string          `koanf:"secrets_file"`
	S3Region    string          `koanf:"s3_region"`
	StateStore  StateStore      `koanf:"state_store"`
	Registry    []RegistryEntry `koanf:"registry"`
	Shared      []Shared        `koanf:"shared"`
	Preload     []Preload       `koanf:"preload"`
	// Grants maps principals to the capability patterns they hold. When
	// set, procedures that declare a capability are enforced.
	Grants map[string][]string `koanf:"grants"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LogFormat:   DefaultLogFormat,
		MetricsAddr: DefaultMetricsAddr,
		PluginsDir:  filepath.Join(xdg.DataDir(), "plugins"),
		StateStore:  StateStore{Driver: statestore.DriverMemory},
	}
}

// DefaultPath returns the configuration file in the XDG config directory.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigDir(), FileName)
}

// Load reads path and overlays the flags that were set on the command
// line. An empty path falls back to DefaultPath, which may be absent.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		// Only flags the user changed override the file.
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return flagKey(f.Name), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
	}
	return cfg, nil
}

// flagKey maps a flag name to its configuration key.
func flagKey(name string) string {
	switch name {
	case "log-format":
		return "log_format"
	case "metrics-addr":
		return "metrics_addr"
	case "plugins-dir":
		return "plugins_dir"
	case "secrets-file":
		return "secrets_file"
	case "state-store":
		return "state_store.driver"
	case "state-store-url":
		return "state_store.url"
	default:
		return ""
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	switch c.StateStore.Driver {
	case "", statestore.DriverMemory:
	case statestore.DriverPostgres, statestore.DriverRedis:
		if c.StateStore.URL == "" {
			return fmt.Errorf("state_store.url is required for the %s driver", c.StateStore.Driver)
		}
	default:
		return fmt.Errorf("unknown state_store.driver %q", c.StateStore.Driver)
	}

	seen := make(map[string]bool, len(c.Registry))
	for _, e := range c.Registry {
		if seen[e.ID] {
			return fmt.Errorf("duplicate registry entry %s", e.ID)
		}
		seen[e.ID] = true
		if err := e.Entry().Validate(); err != nil {
			return err
		}
	}
	for _, s := range c.Shared {
		if s.Name == "" {
			return errors.New("shared dependency name is required")
		}
		if _, err := semver.NewVersion(s.Version); err != nil {
			return fmt.Errorf("shared dependency %s: invalid version %q: %w", s.Name, s.Version, err)
		}
	}
	for _, p := range c.Preload {
		if p.ID == "" {
			return errors.New("preload id is required")
		}
	}
	return nil
}

// Entry converts the locator into a registry entry.
func (e RegistryEntry) Entry() registry.Entry {
	return registry.Remote(e.ID, registry.Locator{
		URL:         e.URL,
		Version:     e.Version,
		Description: e.Description,
	})
}

// HostDependencies returns the shared dependencies for the registry.
func (c Config) HostDependencies() []registry.HostDependency {
	deps := make([]registry.HostDependency, 0, len(c.Shared))
	for _, s := range c.Shared {
		deps = append(deps, registry.HostDependency{Name: s.Name, Version: s.Version})
	}
	return deps
}

// PluginConfig returns the plugin configuration of a preload entry.
func (p Preload) PluginConfig() plugin.Config {
	var cfg plugin.Config
	if p.Variables != nil {
		cfg.Variables = p.Variables
	}
	if p.Secrets != nil {
		cfg.Secrets = p.Secrets
	}
	return cfg
}
