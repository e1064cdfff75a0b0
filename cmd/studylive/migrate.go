package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or list database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(postgres.Up), string(postgres.Down), string(postgres.Status)},
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg string
			if len(args) == 1 {
				arg = args[0]
			}
			dir, err := postgres.ParseDirection(arg)
			if err != nil {
				return err
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return errors.New("STUDYLIVE_DATABASE_URL is required for migrate")
			}

			pool, err := postgres.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			states, err := postgres.Migrate(cmd.Context(), pool, dir)
			if err != nil {
				return err
			}
			return printMigrations(cmd, dir, states)
		},
	}
}

func printMigrations(cmd *cobra.Command, dir postgres.Direction, states []postgres.MigrationState) error {
	out := cmd.OutOrStdout()
	if len(states) == 0 {
		fmt.Fprintf(out, "migrate %s: nothing to do\n", dir)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAPPLIED\tAPPLIED AT\tDURATION\tPATH")
	for _, s := range states {
		appliedAt := "-"
		if !s.AppliedAt.IsZero() {
			appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\n", s.Version, s.Applied, appliedAt, s.Duration, s.Path)
	}
	return tw.Flush()
}
