package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Strob0t/botleague/internal/adapter/postgres"
)

var (
	rollbackSteps int

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres record store schema",
	}

	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
			if err := m.Up(cmd.Context()); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}

	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
			if rollbackSteps < 1 {
				return errors.New("--steps must be >= 1")
			}
			if err := m.Down(cmd.Context(), rollbackSteps); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}

	migrateStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
			st, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
			for _, s := range st {
				applied := "pending"
				if s.Applied {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05 MST")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Name, applied)
			}
			return w.Flush()
		}),
	}
)

func init() {
	migrateDownCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func withMigrator(run func(*cobra.Command, *postgres.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		m, err := postgres.OpenMigrator(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		return run(cmd, m)
	}
}

func printVersion(cmd *cobra.Command, m *postgres.Migrator) error {
	v, err := m.Version(cmd.Context())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return err
}
