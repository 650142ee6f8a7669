package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tasting/cmd/internal/app"

	"github.com/spf13/cobra"
)

func newServeCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and presence server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			log := g.logger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.Error("app.init.fail", "err", err)
				return err
			}
			return a.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "Listen address (overrides http.addr)")
	f.String("store", "", "Slot store: memory, postgres or redis (overrides slot.store)")
	f.Bool("auto-migrate", false, "Apply pending migrations on startup")
	_ = g.v.BindPFlag("http.addr", f.Lookup("addr"))
	_ = g.v.BindPFlag("slot.store", f.Lookup("store"))
	_ = g.v.BindPFlag("database.auto_migrate", f.Lookup("auto-migrate"))

	return cmd
}

// commandContext falls back to Background when cobra ran without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
