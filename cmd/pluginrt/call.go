// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginrt/pkg/plugin"
)

// NewCallCmd creates the call subcommand.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <plugin> <procedure> [input-json]",
		Short: "Call a unary procedure and print its JSON output",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runCall,
	}
	addInvocationFlags(cmd)
	return cmd
}

// addInvocationFlags registers the flags shared by call and stream.
func addInvocationFlags(cmd *cobra.Command) {
	cmd.Flags().String("variables", "", "plugin variables as JSON")
	cmd.Flags().String("secrets", "", "plugin secrets as JSON; ${NAME} placeholders are hydrated")
	cmd.Flags().String("context", "", "request context as JSON")
	cmd.Flags().Bool("verbose", false, "log at debug level")
}

// invocation is the parsed plugin, config, context and input of a call.
type invocation struct {
	pluginID  string
	procedure string
	input     any
	cfg       plugin.Config
	rc        plugin.RequestContext
}

func parseInvocation(cmd *cobra.Command, args []string) (invocation, error) {
	inv := invocation{pluginID: args[0], procedure: args[1]}
	if len(args) > 2 {
		if err := decodeJSON("input", args[2], &inv.input); err != nil {
			return inv, err
		}
	}
	for name, dst := range map[string]*any{
		"variables": &inv.cfg.Variables,
		"secrets":   &inv.cfg.Secrets,
	} {
		raw, _ := cmd.Flags().GetString(name)
		if err := decodeJSON(name, raw, dst); err != nil {
			return inv, err
		}
	}
	raw, _ := cmd.Flags().GetString("context")
	if err := decodeJSON("context", raw, &inv.rc); err != nil {
		return inv, err
	}
	return inv, nil
}

func decodeJSON[T any](name, raw string, dst *T) error {
	if raw == "" {
		return nil
	}
	// Numbers stay json.Number so integers past 2^53 reach the plugin intact.
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return oops.Code("INVALID_ARGUMENT").With("argument", name).Wrapf(err, "parse %s", name)
	}
	if dec.More() {
		return oops.Code("INVALID_ARGUMENT").With("argument", name).Errorf("parse %s: trailing data", name)
	}
	return nil
}

// quietOptions logs warnings only unless --verbose is set.
func quietOptions(cmd *cobra.Command) appOptions {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return appOptions{logLevel: level, logOut: cmd.ErrOrStderr()}
}

// coded attaches the plugin error code of err, if any.
func coded(err error) error {
	errb := oops.In("cli")
	if code := plugin.Code(err); code != "" {
		errb = errb.Code(code)
	}
	return errb.Wrap(err)
}

func runCall(cmd *cobra.Command, args []string) error {
	inv, err := parseInvocation(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, quietOptions(cmd))
	if err != nil {
		return err
	}
	defer a.close(ctx)

	p, err := a.runtime.UsePlugin(ctx, inv.pluginID, inv.cfg)
	if err != nil {
		return err //nolint:wrapcheck // runtime errors are coded
	}
	client, err := p.CreateClient(inv.rc)
	if err != nil {
		return coded(err)
	}
	out, err := client.Call(ctx, inv.procedure, inv.input)
	if err != nil {
		return coded(err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out) //nolint:wrapcheck // output failure
}
