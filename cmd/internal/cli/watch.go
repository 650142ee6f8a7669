package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tasting/cmd/client/feed"
	v1 "tasting/shared/contracts/presence/v1"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
)

func newWatchCommand(g *globals) *cobra.Command {
	var (
		origin string
		once   bool
	)

	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Print the slot grid as it changes",
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return g.bindClientFlags(cmd) },
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := g.logger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wsURL, err := presenceURL(g.v.GetString("client.server"))
			if err != nil {
				return err
			}
			tok := g.v.GetString("client.token")
			out := cmd.OutOrStdout()

			redial := backoff.NewExponentialBackOff()
			redial.MaxInterval = 30 * time.Second
			for {
				err := watchOnce(ctx, wsURL, tok, origin, once, func(f *feed.Feed) error {
					redial.Reset()
					slots, group := f.Layout()
					fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.TimeOnly))
					return feed.Render(out, slots, group, f.Sessions())
				})
				switch {
				case err == nil || ctx.Err() != nil:
					return nil
				case errors.Is(err, feed.ErrRejected):
					return err
				}

				delay := redial.NextBackOff()
				log.Warn("watch.disconnected", "err", err, "retry_in", delay)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&origin, "origin", "", "Origin header for the WebSocket handshake")
	f.BoolVar(&once, "once", false, "Print the first snapshot and exit")
	addClientFlags(cmd)

	return cmd
}

// watchOnce follows one connection. It returns nil only when once is set and
// a snapshot was printed.
func watchOnce(ctx context.Context, wsURL, tok, origin string, once bool, show func(*feed.Feed) error) error {
	f, err := feed.Dial(ctx, wsURL, tok, feed.Options{Origin: origin})
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	for {
		u, err := f.Next(ctx)
		if err != nil {
			return err
		}
		switch u.Type {
		case v1.TypeResyncRequired:
			// a snapshot follows
			continue
		case v1.TypeSnapshot, v1.TypeSlotChange:
			if err := show(f); err != nil {
				return err
			}
			if once {
				return nil
			}
		}
	}
}

// presenceURL maps an http(s) server base to its ws(s) presence endpoint.
func presenceURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/presence"
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}
