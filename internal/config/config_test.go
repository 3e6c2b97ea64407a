// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginrt/pkg/errutil"
)

const sampleConfig = `
log_format: text
metrics_addr: ":9200"
plugins_dir: /srv/plugins
secrets_file: /etc/pluginrt/secrets.yaml
state_store:
  driver: redis
  url: redis://localhost:6379/0
registry:
  - id: greeter
    url: https://plugins.example.com/greeter/plugin.yaml
    version: ^1.0.0
    description: Says hello
shared:
  - name: pluginrt-sdk
    version: 1.0.3
preload:
  - id: greeter
    variables:
      greeting: Hello
    secrets:
      token: "${GREETER_TOKEN}"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pluginrt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-format", DefaultLogFormat, "")
	fs.String("metrics-addr", DefaultMetricsAddr, "")
	fs.String("plugins-dir", "", "")
	fs.String("state-store", "", "")
	fs.String("state-store-url", "", "")
	fs.Int("max-items", 0, "")
	return fs
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, ":9200", cfg.MetricsAddr)
	assert.Equal(t, "/srv/plugins", cfg.PluginsDir)
	assert.Equal(t, "/etc/pluginrt/secrets.yaml", cfg.SecretsFile)
	assert.Equal(t, StateStore{Driver: "redis", URL: "redis://localhost:6379/0"}, cfg.StateStore)
	require.Len(t, cfg.Registry, 1)
	assert.Equal(t, RegistryEntry{
		ID:          "greeter",
		URL:         "https://plugins.example.com/greeter/plugin.yaml",
		Version:     "^1.0.0",
		Description: "Says hello",
	}, cfg.Registry[0])
	assert.Equal(t, []Shared{{Name: "pluginrt-sdk", Version: "1.0.3"}}, cfg.Shared)
	require.Len(t, cfg.Preload, 1)
	assert.Equal(t, "Hello", cfg.Preload[0].Variables["greeting"])
	assert.Equal(t, "${GREETER_TOKEN}", cfg.Preload[0].Secrets["token"])
	require.NoError(t, cfg.Validate())
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--log-format=json", "--state-store=memory"}))

	cfg, err := Load(writeConfig(t, sampleConfig), fs)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "memory", cfg.StateStore.Driver)
	assert.Equal(t, ":9200", cfg.MetricsAddr, "unchanged flags keep the file value")
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := Load("", testFlags())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "/data/pluginrt/plugins", cfg.PluginsDir)
	require.NoError(t, cfg.Validate())
}

func TestLoad_DefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pluginrt"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pluginrt", FileName), []byte("log_format: text\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")

	_, err = Load(writeConfig(t, "log_format: [unterminated"), nil)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"postgres without url", func(c *Config) { c.StateStore.Driver = "postgres" }, "state_store.url"},
		{"unknown driver", func(c *Config) { c.StateStore.Driver = "etcd" }, "etcd"},
		{"duplicate registry", func(c *Config) {
			e := RegistryEntry{ID: "greeter", URL: "file:///p/plugin.yaml"}
			c.Registry = []RegistryEntry{e, e}
		}, "duplicate"},
		{"bad registry url", func(c *Config) {
			c.Registry = []RegistryEntry{{ID: "greeter", URL: "plugin.yaml"}}
		}, "greeter"},
		{"bad shared version", func(c *Config) {
			c.Shared = []Shared{{Name: "sdk", Version: "one"}}
		}, "sdk"},
		{"shared without name", func(c *Config) {
			c.Shared = []Shared{{Version: "1.0.0"}}
		}, "name"},
		{"preload without id", func(c *Config) {
			c.Preload = []Preload{{}}
		}, "preload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHostDependencies(t *testing.T) {
	cfg := Config{Shared: []Shared{{Name: "sdk", Version: "1.2.0"}}}
	deps := cfg.HostDependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, "sdk", deps[0].Name)
	assert.Equal(t, "1.2.0", deps[0].Version)
	assert.Nil(t, deps[0].Factory)
}

func TestPreload_PluginConfig(t *testing.T) {
	empty := Preload{ID: "counter"}.PluginConfig()
	assert.Nil(t, empty.Variables)
	assert.Nil(t, empty.Secrets)

	full := Preload{ID: "greeter", Variables: map[string]any{"a": 1}, Secrets: map[string]any{"t": "x"}}.PluginConfig()
	assert.Equal(t, map[string]any{"a": 1}, full.Variables)
	assert.Equal(t, map[string]any{"t": "x"}, full.Secrets)
}

func TestRegistryEntry_Entry(t *testing.T) {
	e := RegistryEntry{ID: "greeter", URL: "file:///p/plugin.yaml", Version: "^1", Description: "hi"}.Entry()
	assert.Equal(t, "greeter", e.ID)
	require.NotNil(t, e.Remote)
	assert.Equal(t, "^1", e.Remote.Version)
	assert.Equal(t, "hi", e.Description())
}
