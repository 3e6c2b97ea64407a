// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

// maxDepth bounds table nesting when converting Lua values to Go.
const maxDepth = 64

// toLua converts a Go value to a Lua value. The value is first normalized to
// JSON types so structs and typed maps convert like their JSON form.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	normalized, err := schema.Normalize(v)
	if err != nil {
		return lua.LNil, err
	}
	return jsonToLua(L, normalized), nil
}

func jsonToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case string:
		return lua.LString(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(jsonToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, jsonToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLua converts a Lua value to JSON-compatible Go types. A table whose keys
// are exactly 1..n becomes a slice; any other non-empty table becomes a map
// with string keys. An empty table becomes an empty map.
func fromLua(v lua.LValue) (any, error) {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("table nesting exceeds %d levels", maxDepth)
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v is not representable", f)
		}
		return f, nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return tableFromLua(val, depth)
	default:
		return nil, fmt.Errorf("unsupported lua value of type %s", v.Type().String())
	}
}

func tableFromLua(t *lua.LTable, depth int) (any, error) {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := fromLuaDepth(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, item)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	var firstErr error
	t.ForEach(func(k, v lua.LValue) {
		if firstErr != nil {
			return
		}
		key := k.String()
		item, err := fromLuaDepth(v, depth+1)
		if err != nil {
			firstErr = fmt.Errorf("%s: %w", key, err)
			return
		}
		out[key] = item
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// functions returns the function-valued fields of t by name, sorted.
func functions(t *lua.LTable) ([]string, map[string]*lua.LFunction) {
	fns := make(map[string]*lua.LFunction)
	t.ForEach(func(k, v lua.LValue) {
		if fn, ok := v.(*lua.LFunction); ok {
			fns[k.String()] = fn
		}
	})
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, fns
}
