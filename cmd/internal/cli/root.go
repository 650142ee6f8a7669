// Package cli holds the tasting command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"tasting/cmd/internal/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrDenied is returned when the server refuses the device. main maps it to
// exit status 3 so kiosk scripts can tell it apart from crashes.
var ErrDenied = errors.New("device not allowed")

type globals struct {
	v          *viper.Viper
	configPath string
}

// NewRootCommand builds the command tree around v, or a fresh viper when nil.
func NewRootCommand(v *viper.Viper) *cobra.Command {
	if v == nil {
		v = app.NewViper()
	}
	g := &globals{v: v}

	root := &cobra.Command{
		Use:           "tasting",
		Short:         "Tasting station server and clients",
		Long:          `tasting runs the competition server that registers tablets and tracks who sits at which judging slot, plus the station and console clients that talk to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to a YAML config file")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "auto", "Log format (auto, json, pretty)")
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(
		newServeCommand(g),
		newMigrateCommand(g),
		newTokenCommand(g),
		newStationCommand(g),
		newWatchCommand(g),
	)
	return root
}

func (g *globals) load() (app.Config, error) {
	cfg, err := app.LoadConfig(g.v, g.configPath)
	if err != nil {
		return app.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logger writes to stderr so command output on stdout stays parseable.
func (g *globals) logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return app.NewLogger(w, g.v.GetString("log.level"), g.v.GetString("log.format"))
}
