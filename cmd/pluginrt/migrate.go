// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginrt/internal/statestore"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres checkpoint schema",
		Long:  `Apply or roll back the checkpoint table migrations on the postgres state store.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *statestore.Migrator, _ []string) error {
				pending, err := m.Pending()
				if err != nil {
					return err //nolint:wrapcheck // already coded
				}
				if err := m.Up(); err != nil {
					return err //nolint:wrapcheck // already coded
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(pending))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *statestore.Migrator, _ []string) error {
				if err := m.Down(); err != nil {
					return err //nolint:wrapcheck // already coded
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back all migrations")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *statestore.Migrator, _ []string) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err //nolint:wrapcheck // already coded
				}
				suffix := ""
				if dirty {
					suffix = " (dirty)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d%s\n", v, suffix)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(func(cmd *cobra.Command, m *statestore.Migrator, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return oops.Code("INVALID_ARGUMENT").With("version", args[0]).Wrap(err)
				}
				if err := m.Force(v); err != nil {
					return err //nolint:wrapcheck // already coded
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forced version %d\n", v)
				return nil
			}),
		},
	)
	return cmd
}

// withMigrator opens a migrator on the configured postgres state store for
// the duration of fn.
func withMigrator(fn func(*cobra.Command, *statestore.Migrator, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.StateStore.Driver != statestore.DriverPostgres {
			return oops.Code("CONFIG_INVALID").
				With("driver", cfg.StateStore.Driver).
				Hint("set state_store.driver to postgres").
				Errorf("migrations require the postgres state store")
		}
		m, err := statestore.NewMigrator(cfg.StateStore.URL)
		if err != nil {
			return err //nolint:wrapcheck // already coded
		}
		defer func() {
			if closeErr := m.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		return fn(cmd, m, args)
	}
}
