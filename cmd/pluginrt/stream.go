// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/holomush/pluginrt/internal/statestore"
	"github.com/holomush/pluginrt/internal/stream"
	"github.com/holomush/pluginrt/pkg/plugin"
)

// NewStreamCmd creates the stream subcommand.
func NewStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <plugin> <procedure> [input-json]",
		Short: "Run a streaming procedure and print one JSON line per item",
		Long: `Run a streaming procedure. With --resume-key the stream starts from the
checkpoint stored under that key and saves a checkpoint after every batch.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runStream,
	}
	addInvocationFlags(cmd)
	cmd.Flags().Int("max-items", 0, "stop after this many items (0 streams until done)")
	cmd.Flags().String("resume-key", "", "checkpoint key to resume from and save to")
	return cmd
}

// streamLine is one printed item.
type streamLine struct {
	Index int    `json:"index"`
	Phase string `json:"phase,omitempty"`
	Value any    `json:"value"`
}

func runStream(cmd *cobra.Command, args []string) error {
	inv, err := parseInvocation(cmd, args)
	if err != nil {
		return err
	}
	maxItems, _ := cmd.Flags().GetInt("max-items")
	resumeKey, _ := cmd.Flags().GetString("resume-key")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	opts := quietOptions(cmd)
	opts.withStore = resumeKey != ""
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	req := plugin.StreamRequest{Procedure: inv.procedure, Input: inv.input, Context: inv.rc}
	streamOpts := stream.Options{MaxItems: maxItems}
	if resumeKey != "" {
		cp, err := statestore.Resume(ctx, a.store, resumeKey)
		if err != nil {
			return err //nolint:wrapcheck // store errors are coded
		}
		req.State = cp.State
		streamOpts.OnStateChange = statestore.Persist(a.store, resumeKey, cp.Emitted)
		a.logger.Debug("resuming stream", "key", resumeKey, "emitted", cp.Emitted, "phase", cp.Phase)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for item, err := range a.runtime.StreamPlugin(ctx, inv.pluginID, inv.cfg, inv.procedure, req, streamOpts) {
		if err != nil {
			return coded(err)
		}
		if err := enc.Encode(streamLine{Index: item.Index, Phase: item.Phase, Value: item.Value}); err != nil {
			return err //nolint:wrapcheck // output failure
		}
	}
	return nil
}
