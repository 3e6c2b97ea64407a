// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"encoding/json"
	"log/slog"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"
)

// hostModule is the global table through which plugins reach the host.
const hostModule = "pluginrt"

// registerHostFunctions exposes logging, id generation and JSON helpers to a
// plugin state.
func registerHostFunctions(ls *lua.LState, logger *slog.Logger) {
	mod := ls.NewTable()
	ls.SetField(mod, "log", ls.NewFunction(logFn(logger)))
	ls.SetField(mod, "new_id", ls.NewFunction(newIDFn))
	ls.SetField(mod, "json_encode", ls.NewFunction(jsonEncodeFn))
	ls.SetField(mod, "json_decode", ls.NewFunction(jsonDecodeFn))
	ls.SetGlobal(hostModule, mod)
}

func logFn(logger *slog.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		switch level {
		case "debug":
			logger.Debug(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
		return 0
	}
}

func newIDFn(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}

func jsonEncodeFn(L *lua.LState) int {
	v, err := fromLua(L.CheckAny(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	data, err := json.Marshal(v)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(string(data)))
	L.Push(lua.LNil)
	return 2
}

func jsonDecodeFn(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(jsonToLua(L, v))
	L.Push(lua.LNil)
	return 2
}
