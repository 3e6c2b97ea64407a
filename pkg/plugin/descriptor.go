// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin defines the contract between the runtime and plugin authors.
//
// A plugin is a Descriptor: identity, the schemas its configuration and
// request context must satisfy, a Contract of named procedures, and three
// lifecycle functions. The runtime validates configuration, runs Initialize
// inside a resource Scope, builds a router from CreateRouter and calls
// Shutdown when the instance is torn down.
//
// Example:
//
//	var Descriptor = &plugin.Descriptor{
//		ID:      "clock",
//		Version: "1.0.0",
//		Schemas: plugin.Schemas{Variables: schema.Any(), Secrets: schema.Any()},
//		Contract: plugin.Contract{
//			{Name: "now", Input: schema.Any(), Output: schema.Any()},
//		},
//		Initialize: func(ctx context.Context, cfg plugin.Config, scope plugin.Scope) (any, error) {
//			return time.Now, nil
//		},
//		CreateRouter: func(deps any) (plugin.Handlers, error) {
//			now := deps.(func() time.Time)
//			return plugin.Handlers{
//				Procedures: map[string]plugin.Handler{
//					"now": func(ctx context.Context, req plugin.Request) (any, error) {
//						return now().UTC().Format(time.RFC3339), nil
//					},
//				},
//			}, nil
//		},
//	}
package plugin

import (
	"context"
	"fmt"
	"regexp"
)

// idPattern matches plugin identifiers: lowercase letters, digits, hyphens,
// starting with a letter and not ending with a hyphen.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// procedurePattern matches procedure names. Dots allow namespacing.
var procedurePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]*$`)

const maxIDLength = 64

// Schema validates data at a trust boundary and returns the coerced value.
// Implementations live in the schema subpackage.
type Schema interface {
	Validate(data any) (any, error)
}

// Schemas groups the schemas a plugin declares for its configuration.
type Schemas struct {
	Variables Schema
	Secrets   Schema
	// Context is optional. When nil, request contexts are not validated.
	Context Schema
}

// Procedure is one entry of a plugin's contract.
type Procedure struct {
	Name   string
	Input  Schema
	Output Schema
	// State validates resumption state of a streaming procedure. Optional.
	State     Schema
	Streaming bool
	// Capability, when set, must be granted to the caller's principal.
	Capability string
	// Middleware runs after descriptor-level middleware, in order.
	Middleware []Middleware
}

// Contract is the ordered set of procedures a plugin exposes.
type Contract []Procedure

// Lookup returns the procedure with the given name.
func (c Contract) Lookup(name string) (Procedure, bool) {
	for _, p := range c {
		if p.Name == name {
			return p, true
		}
	}
	return Procedure{}, false
}

// Names returns procedure names in declaration order.
func (c Contract) Names() []string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name
	}
	return names
}

// Config is the caller-supplied configuration of a plugin instance.
type Config struct {
	Variables any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Secrets   any `json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

// InitializeFunc builds a plugin's dependencies. Resources acquired here must
// register their release with scope.
type InitializeFunc func(ctx context.Context, cfg Config, scope Scope) (any, error)

// CreateRouterFunc returns the handler table for initialized dependencies.
type CreateRouterFunc func(deps any) (Handlers, error)

// ShutdownFunc releases what Initialize built outside the scope.
type ShutdownFunc func(ctx context.Context, deps any) error

// Descriptor is a loadable plugin. It must not be modified after it is
// handed to a registry.
type Descriptor struct {
	ID          string
	Version     string
	Description string
	Schemas     Schemas
	Contract    Contract
	// Middleware runs before every procedure of this plugin.
	Middleware []Middleware

	Initialize   InitializeFunc
	CreateRouter CreateRouterFunc
	// Shutdown is optional.
	Shutdown ShutdownFunc
}

// Validate checks the descriptor exposes the shape the runtime needs:
// identity, config schemas, a well-formed contract and lifecycle functions.
func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("descriptor is nil")
	}
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(d.ID) > maxIDLength {
		return fmt.Errorf("id %q exceeds %d characters", d.ID, maxIDLength)
	}
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("id %q must match pattern %s", d.ID, idPattern.String())
	}
	if d.Schemas.Variables == nil {
		return fmt.Errorf("plugin %s: variables schema is required", d.ID)
	}
	if d.Schemas.Secrets == nil {
		return fmt.Errorf("plugin %s: secrets schema is required", d.ID)
	}
	if d.Initialize == nil {
		return fmt.Errorf("plugin %s: initialize function is required", d.ID)
	}
	if d.CreateRouter == nil {
		return fmt.Errorf("plugin %s: createRouter function is required", d.ID)
	}
	seen := make(map[string]bool, len(d.Contract))
	for _, p := range d.Contract {
		if !procedurePattern.MatchString(p.Name) {
			return fmt.Errorf("plugin %s: invalid procedure name %q", d.ID, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("plugin %s: duplicate procedure %q", d.ID, p.Name)
		}
		seen[p.Name] = true
		if p.Input == nil || p.Output == nil {
			return fmt.Errorf("plugin %s: procedure %q needs input and output schemas", d.ID, p.Name)
		}
		if p.State != nil && !p.Streaming {
			return fmt.Errorf("plugin %s: procedure %q declares state but is not streaming", d.ID, p.Name)
		}
	}
	return nil
}
