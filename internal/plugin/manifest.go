// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin loads plugin artifacts described by plugin.yaml manifests.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	pluginpkg "github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

// ManifestFile is the manifest file name inside an artifact directory.
const ManifestFile = "plugin.yaml"

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the system.
const (
	TypeLua    Type = "lua"
	TypeBinary Type = "binary"
)

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	Type         Type               `yaml:"type" json:"type" jsonschema:"enum=lua,enum=binary"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	LuaPlugin    *LuaConfig         `yaml:"lua-plugin,omitempty" json:"lua-plugin,omitempty"`
	BinaryPlugin *BinaryConfig      `yaml:"binary-plugin,omitempty" json:"binary-plugin,omitempty"`
	Shared       []SharedDependency `yaml:"shared,omitempty" json:"shared,omitempty"`
	Schemas      SchemaDocuments    `yaml:"schemas,omitempty" json:"schemas,omitempty"`
	Procedures   []ProcedureSpec    `yaml:"procedures,omitempty" json:"procedures,omitempty"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" json:"entry"`
}

// BinaryConfig holds binary plugin configuration.
type BinaryConfig struct {
	Executable string `yaml:"executable" json:"executable"`
}

// SharedDependency is a dependency the artifact expects the host to share.
type SharedDependency struct {
	Name      string `yaml:"name" json:"name"`
	Version   string `yaml:"version" json:"version"`
	Singleton bool   `yaml:"singleton,omitempty" json:"singleton,omitempty"`
}

// SchemaDocuments holds the JSON-schema documents for a plugin's configuration.
type SchemaDocuments struct {
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Secrets   map[string]any `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	Context   map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
}

// ProcedureSpec declares one procedure of the artifact's contract.
type ProcedureSpec struct {
	Name       string         `yaml:"name" json:"name"`
	Input      map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Output     map[string]any `yaml:"output,omitempty" json:"output,omitempty"`
	State      map[string]any `yaml:"state,omitempty" json:"state,omitempty"`
	Streaming  bool           `yaml:"streaming,omitempty" json:"streaming,omitempty"`
	Capability string         `yaml:"capability,omitempty" json:"capability,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	switch m.Type {
	case TypeLua:
		if m.LuaPlugin == nil {
			return fmt.Errorf("lua-plugin is required when type is lua")
		}
		if m.LuaPlugin.Entry == "" {
			return fmt.Errorf("lua-plugin.entry is required")
		}
	case TypeBinary:
		if m.BinaryPlugin == nil {
			return fmt.Errorf("binary-plugin is required when type is binary")
		}
		if m.BinaryPlugin.Executable == "" {
			return fmt.Errorf("binary-plugin.executable is required")
		}
	default:
		return fmt.Errorf("type must be 'lua' or 'binary', got %q", m.Type)
	}

	for i, dep := range m.Shared {
		if dep.Name == "" {
			return fmt.Errorf("shared[%d].name is required", i)
		}
		if _, err := semver.NewVersion(dep.Version); err != nil {
			return fmt.Errorf("shared dependency %s version %q: %w", dep.Name, dep.Version, err)
		}
	}

	seen := make(map[string]bool, len(m.Procedures))
	for i, p := range m.Procedures {
		if p.Name == "" {
			return fmt.Errorf("procedures[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate procedure %q", p.Name)
		}
		seen[p.Name] = true
		if p.State != nil && !p.Streaming {
			return fmt.Errorf("procedure %q declares state but is not streaming", p.Name)
		}
	}

	return nil
}

// Entry returns the artifact-relative path of the code to instantiate.
func (m *Manifest) Entry() string {
	switch m.Type {
	case TypeLua:
		return m.LuaPlugin.Entry
	case TypeBinary:
		return m.BinaryPlugin.Executable
	default:
		return ""
	}
}

// DescriptorSchemas compiles the manifest's configuration schemas. An absent
// variables or secrets document accepts any value.
func (m *Manifest) DescriptorSchemas() (pluginpkg.Schemas, error) {
	vars, err := compileOrAny(m.Schemas.Variables, "variables")
	if err != nil {
		return pluginpkg.Schemas{}, err
	}
	secrets, err := compileOrAny(m.Schemas.Secrets, "secrets")
	if err != nil {
		return pluginpkg.Schemas{}, err
	}
	out := pluginpkg.Schemas{Variables: vars, Secrets: secrets}
	if m.Schemas.Context != nil {
		if out.Context, err = schema.JSON(m.Schemas.Context); err != nil {
			return pluginpkg.Schemas{}, fmt.Errorf("context schema: %w", err)
		}
	}
	return out, nil
}

// Contract compiles the declared procedures in declaration order.
func (m *Manifest) Contract() (pluginpkg.Contract, error) {
	contract := make(pluginpkg.Contract, 0, len(m.Procedures))
	for _, p := range m.Procedures {
		proc := pluginpkg.Procedure{Name: p.Name, Streaming: p.Streaming, Capability: p.Capability}
		var err error
		if proc.Input, err = compileOrAny(p.Input, p.Name+" input"); err != nil {
			return nil, err
		}
		if proc.Output, err = compileOrAny(p.Output, p.Name+" output"); err != nil {
			return nil, err
		}
		if p.State != nil {
			if proc.State, err = schema.JSON(p.State); err != nil {
				return nil, fmt.Errorf("%s state schema: %w", p.Name, err)
			}
		}
		contract = append(contract, proc)
	}
	return contract, nil
}

func compileOrAny(doc map[string]any, what string) (pluginpkg.Schema, error) {
	if doc == nil {
		return schema.Any(), nil
	}
	s, err := schema.JSON(doc)
	if err != nil {
		return nil, fmt.Errorf("%s schema: %w", what, err)
	}
	return s, nil
}
