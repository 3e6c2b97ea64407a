// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/pluginrt/internal/config"
)

// NewRootCmd creates the root command for the pluginrt CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pluginrt",
		Short: "pluginrt - a plugin runtime",
		Long: `pluginrt loads plugins from a registry, validates their configuration,
initializes one instance per configuration and exposes their procedures
as calls and resumable streams.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file path (default: XDG_CONFIG_HOME/pluginrt/pluginrt.yaml)")
	flags.String("log-format", config.DefaultLogFormat, "log format (json or text)")
	flags.String("plugins-dir", "", "directory scanned for plugin manifests")
	flags.String("secrets-file", "", "YAML file of secrets for placeholder hydration")
	flags.String("state-store", "", "checkpoint store driver (memory, postgres, redis)")
	flags.String("state-store-url", "", "checkpoint store connection URL")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewCallCmd())
	cmd.AddCommand(NewStreamCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// loadConfig reads the config file named by --config and overlays the
// flags set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err //nolint:wrapcheck // flag lookup cannot fail for a registered flag
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return config.Config{}, err //nolint:wrapcheck // already coded
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, invalidConfig(err)
	}
	return cfg, nil
}
