// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// pluginStatus is one registry entry as listed by `plugins list` and
// served on /plugins.
type pluginStatus struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Resolved    bool   `json:"resolved"`
	Instances   int    `json:"instances"`
}

func (a *app) status() []pluginStatus {
	instances := make(map[string]int)
	for _, inst := range a.runtime.Instances() {
		instances[inst.PluginID]++
	}
	entries := a.registry.Entries()
	out := make([]pluginStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, pluginStatus{
			ID:          e.ID,
			Kind:        string(e.Kind()),
			Description: e.Description(),
			Resolved:    a.registry.IsResolved(e.ID),
			Instances:   instances[e.ID],
		})
	}
	return out
}

// NewPluginsCmd creates the plugins subcommand.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect the plugin registry",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		Args:  cobra.NoArgs,
		RunE:  runPluginsList,
	}
	list.Flags().Bool("json", false, "print JSON instead of a table")
	cmd.AddCommand(list)
	return cmd
}

func runPluginsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, quietOptions(cmd))
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(a.status()) //nolint:wrapcheck // output failure
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tDESCRIPTION")
	for _, s := range a.status() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Kind, s.Description)
	}
	return w.Flush() //nolint:wrapcheck // output failure
}
