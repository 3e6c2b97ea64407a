// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package runtime

import (
	"github.com/holomush/pluginrt/internal/instance"
	"github.com/holomush/pluginrt/internal/router"
	"github.com/holomush/pluginrt/pkg/plugin"
)

// Metadata describes a loaded plugin.
type Metadata struct {
	ID          string
	Version     string
	Description string
	Procedures  plugin.Contract
}

// Plugin is a handle on an initialized plugin instance. Handles of the same
// fingerprint share one instance.
type Plugin struct {
	inst *instance.Instance
}

// CreateClient binds a request context to the plugin. The context is
// validated against the plugin's context schema.
func (p *Plugin) CreateClient(rc plugin.RequestContext) (*router.Client, error) {
	return p.inst.Router.Client(rc)
}

// Router returns the instance's router.
func (p *Plugin) Router() *router.Router {
	return p.inst.Router
}

// Metadata returns the plugin's identity and contract.
func (p *Plugin) Metadata() Metadata {
	d := p.inst.Descriptor
	return Metadata{
		ID:          d.ID,
		Version:     d.Version,
		Description: d.Description,
		Procedures:  d.Contract,
	}
}

// Instance returns the underlying instance.
func (p *Plugin) Instance() *instance.Instance {
	return p.inst
}
