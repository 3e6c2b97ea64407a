// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/holomush/pluginrt/pkg/plugin"
)

// ErrDenied is returned when a caller lacks a procedure's capability.
var ErrDenied = errors.New("capability denied")

// GrantKey is the request context key set to the matched grant pattern.
const GrantKey = "capability.grant"

// Middleware rejects calls to procedures whose Capability is not granted to
// the request context's principal. Allowed calls continue with the matched
// pattern recorded under GrantKey. Procedures without a capability pass.
func Middleware(e *Enforcer) plugin.Middleware {
	return func(_ context.Context, info plugin.CallInfo, rc plugin.RequestContext) (plugin.RequestContext, error) {
		required := info.Procedure.Capability
		if required == "" {
			return rc, nil
		}
		principal := rc.Principal()
		pattern, ok := e.Match(principal, required)
		if !ok {
			return nil, fmt.Errorf("plugin %s procedure %s: principal %q lacks %q: %w",
				info.PluginID, info.Procedure.Name, principal, required, ErrDenied)
		}
		return rc.With(GrantKey, pattern), nil
	}
}
