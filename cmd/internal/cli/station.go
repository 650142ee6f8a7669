package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"tasting/cmd/client/fingerprint"
	"tasting/cmd/client/station"

	"github.com/spf13/cobra"
)

func newStationCommand(g *globals) *cobra.Command {
	var (
		slot        int
		selfAssign  bool
		requireFree bool
		fpFile      string
		printOnly   bool
	)

	cmd := &cobra.Command{
		Use:     "station",
		Short:   "Run a tablet station session",
		Long:    `Resolve this device's fingerprint, check it with the server, log the token's user into --slot and heartbeat until interrupted or evicted.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return g.bindClientFlags(cmd) },
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := g.logger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if fpFile == "" {
				p, err := fingerprint.DefaultPath()
				if err != nil {
					return fmt.Errorf("fingerprint path: %w", err)
				}
				fpFile = p
			}
			fp, err := fingerprint.NewResolver(fingerprint.FileCache{Path: fpFile}, nil).Resolve(ctx)
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Fprintln(cmd.OutOrStdout(), fp)
				return nil
			}

			if slot < 1 {
				return errors.New("--slot is required")
			}
			c, err := station.NewClient(g.v.GetString("client.server"), g.v.GetString("client.token"), station.WithLogger(log))
			if err != nil {
				return err
			}

			dec, err := c.Access(ctx, fp)
			if err != nil {
				return err
			}
			if !dec.Allowed {
				fmt.Fprintf(cmd.OutOrStdout(), "device %s: %s\n", fp, dec.Reason)
				return ErrDenied
			}
			if dec.Bootstrapped {
				fmt.Fprintf(cmd.OutOrStdout(), "device %s registered as the first station and activated\n", fp)
			}
			if selfAssign {
				if _, err := c.SelfAssign(ctx, fp, slot); err != nil {
					return err
				}
			}

			host, _ := os.Hostname()
			s, err := c.Login(ctx, slot, station.LoginRequest{
				Fingerprint: fp,
				RequireFree: requireFree,
				ClientInfo:  map[string]string{"hostname": host, "platform": runtime.GOOS + "/" + runtime.GOARCH},
			})
			if station.IsCode(err, "slot_occupied") {
				return fmt.Errorf("slot %d is already in use: %w", slot, err)
			}
			if err != nil {
				return err
			}

			pos := s.Position()
			role := "taster"
			if pos.Chair {
				role = "chair"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in to slot %d (group %d, seat %d, %s)\n", pos.SlotID, pos.Group, pos.Position, role)

			var ended error
			select {
			case <-s.Done():
				ended = s.Err()
				fmt.Fprintf(cmd.OutOrStdout(), "session ended: %v\n", ended)
			case <-ctx.Done():
			}

			logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			released, err := s.Logout(logoutCtx)
			if err != nil {
				return errors.Join(ended, err)
			}
			if ended != nil {
				if released {
					fmt.Fprintln(cmd.OutOrStdout(), "released slot after heartbeat failure")
				}
				return ended
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged out (released=%t)\n", released)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&slot, "slot", 0, "Slot to log into")
	f.BoolVar(&selfAssign, "self-assign", false, "Bind this device to --slot before logging in")
	f.BoolVar(&requireFree, "require-free", false, "Fail instead of taking over an occupied slot")
	f.StringVar(&fpFile, "fingerprint-file", "", "Fingerprint cache file (default <user config dir>/tasting/device-fingerprint)")
	f.BoolVar(&printOnly, "print-fingerprint", false, "Print the device fingerprint and exit")
	addClientFlags(cmd)

	return cmd
}

// addClientFlags adds --server and --token. They fall back to
// TASTING_CLIENT_SERVER and TASTING_CLIENT_TOKEN.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server", "http://localhost:8080", "Server base URL")
	f.String("token", "", "Access token")
}

// bindClientFlags runs once the command is chosen; several commands define
// the same flags and viper keeps a single binding per key.
func (g *globals) bindClientFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	if err := g.v.BindPFlag("client.server", f.Lookup("server")); err != nil {
		return err
	}
	return g.v.BindPFlag("client.token", f.Lookup("token"))
}
