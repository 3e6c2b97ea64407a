// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"

	pluginpkg "github.com/holomush/pluginrt/pkg/plugin"
)

// Artifact is the fetched code of a remote plugin.
type Artifact struct {
	// Location is where the entry was fetched from, for diagnostics.
	Location string
	// Data is the entry's content.
	Data []byte
	// Path is set when the entry already exists on the local filesystem.
	Path string
	// Shared holds the values of the singleton dependencies the manifest
	// declared, by name.
	Shared map[string]any
}

// Instantiator turns a manifest and its fetched entry into a descriptor.
// Each plugin type has one.
type Instantiator interface {
	// Type returns the manifest type this instantiator handles.
	Type() Type

	// Instantiate builds a descriptor. The descriptor's Initialize creates
	// the per-instance runtime state and registers its release on the scope.
	Instantiate(ctx context.Context, manifest *Manifest, artifact Artifact) (*pluginpkg.Descriptor, error)

	// Close releases resources shared across instances.
	Close(ctx context.Context) error
}
