// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/holomush/pluginrt/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]goplugin.Plugin{
	pluginsdk.PluginName: &pluginsdk.ModulePlugin{},
}
