package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"tasting/cmd/internal/app"
	"tasting/cmd/internal/migrations"

	"github.com/spf13/cobra"
)

func newMigrateCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply, roll back or inspect the schema migrations for the Postgres registry and slot store.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, g, func(r *migrations.Runner) error {
					applied, err := r.Up(commandContext(cmd))
					if err != nil {
						return err
					}
					if len(applied) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
						return nil
					}
					for _, v := range applied {
						fmt.Fprintf(cmd.OutOrStdout(), "applied %d\n", v)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, g, func(r *migrations.Runner) error {
					v, err := r.Down(commandContext(cmd))
					if err != nil {
						return err
					}
					if v == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d\n", v)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, g, func(r *migrations.Runner) error {
					states, err := r.Status(commandContext(cmd))
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tSTATE\tFILE")
					for _, s := range states {
						state := "pending"
						if s.Applied {
							state = "applied"
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, state, s.Path)
					}
					return tw.Flush()
				})
			},
		},
	)
	return cmd
}

func withRunner(cmd *cobra.Command, g *globals, fn func(*migrations.Runner) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required (set TASTING_DATABASE_URL)")
	}

	ctx := commandContext(cmd)
	pool, err := app.NewDBPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	r, err := migrations.NewRunner(ctx, pool, cfg.Database.Schema)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	return fn(r)
}
