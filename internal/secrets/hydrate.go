// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package secrets resolves {{NAME}} placeholders in plugin configuration
// against the runtime's secret store.
package secrets

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

// placeholderPattern matches {{NAME}} with optional inner spaces. Names may
// contain dots so nested secret files address as "db.password".
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*\}\}`)

// Store is a read-only name to value mapping.
type Store struct {
	values map[string]string
}

// NewStore copies values into a Store.
func NewStore(values map[string]string) Store {
	return Store{values: maps.Clone(values)}
}

// Lookup returns the value of a secret.
func (s Store) Lookup(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Names returns the sorted secret names. Values are never listed.
func (s Store) Names() []string {
	return slices.Sorted(maps.Keys(s.values))
}

// Len returns the number of secrets.
func (s Store) Len() int {
	return len(s.values)
}

// MissingSecretsError lists placeholders that reference absent secrets.
type MissingSecretsError struct {
	Names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing secrets: %s", strings.Join(e.Names, ", "))
}

// References returns the sorted, de-duplicated secret names referenced by
// placeholders anywhere in v.
func References(v any) []string {
	seen := map[string]bool{}
	walkStrings(v, func(s string) {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = true
		}
	})
	return slices.Sorted(maps.Keys(seen))
}

// Hydrate returns a copy of secrets with every placeholder replaced by its
// store value. If any referenced secret is absent it returns a
// *plugin.LoadError naming every missing secret and no partial result.
// The input is not modified.
func Hydrate(pluginID string, secrets any, store Store) (any, error) {
	normalized, err := schema.Normalize(secrets)
	if err != nil {
		return nil, &plugin.LoadError{PluginID: pluginID, Stage: plugin.StageSecrets, Err: err}
	}

	var missing []string
	for _, name := range References(normalized) {
		if _, ok := store.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &plugin.LoadError{
			PluginID: pluginID,
			Stage:    plugin.StageSecrets,
			Err:      &MissingSecretsError{Names: missing},
		}
	}

	return substitute(normalized, store), nil
}

func substitute(v any, store Store) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = substitute(item, store)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substitute(item, store)
		}
		return out
	case string:
		return placeholderPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			secret, _ := store.Lookup(name)
			return secret
		})
	default:
		return val
	}
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case string:
		fn(val)
	}
}
