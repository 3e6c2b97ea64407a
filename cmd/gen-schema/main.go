// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema writes the JSON Schema for pluginrt plugin.yaml
// manifests: name, version, type (lua or binary), lua-plugin.entry,
// binary-plugin.executable, shared dependencies, the variables, secrets,
// context and per-procedure schema documents, and the procedure contract.
//
// With --check it compares the generated schema to the file on disk and
// exits non-zero when the file is stale.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/holomush/pluginrt/internal/plugin"
)

const defaultOut = "schemas/plugin.schema.json"

var errStale = errors.New("manifest schema is out of date")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gen-schema: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("gen-schema", pflag.ContinueOnError)
	out := flags.StringP("out", "o", defaultOut, "manifest schema output path")
	check := flags.Bool("check", false, "fail if the schema at --out differs from the generated one")
	if err := flags.Parse(args); err != nil {
		return err
	}

	generated, err := plugin.GenerateSchema()
	if err != nil {
		return fmt.Errorf("generate manifest schema: %w", err)
	}

	if *check {
		current, err := os.ReadFile(*out) //nolint:gosec // path is an operator flag
		if err != nil {
			return fmt.Errorf("read %s: %w", *out, err)
		}
		if !bytes.Equal(bytes.TrimSpace(current), bytes.TrimSpace(generated)) {
			return fmt.Errorf("%w: run gen-schema -o %s", errStale, *out)
		}
		fmt.Fprintf(stdout, "%s is up to date\n", *out)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o750); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	if err := os.WriteFile(*out, append(generated, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}
