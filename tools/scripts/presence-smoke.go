// Package main is a CI smoke test for slot sessions and the presence feed.
//
// Against a running server it checks:
//   - feed handshake, hello_ack and initial snapshot
//   - device access for the smoke fingerprint
//   - login by A shows up as an insert
//   - login by B on the same slot pre-empts A (delete then insert)
//   - A's stale lease no longer releases the slot
//   - logout by B empties the slot
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"tasting/cmd/client/feed"
	"tasting/cmd/client/station"
	v1 "tasting/shared/contracts/presence/v1"
)

func main() {
	var (
		server  = flag.String("server", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		tokenA  = flag.String("token-a", os.Getenv("SMOKE_TOKEN_A"), "Access token for operator A")
		tokenB  = flag.String("token-b", os.Getenv("SMOKE_TOKEN_B"), "Access token for operator B")
		fp      = flag.String("fingerprint", "fp_presence_smoke", "Device fingerprint to use; must be active or the first device")
		slotID  = flag.Int("slot", 1, "Slot to exercise")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		quiet = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*server, "/"), "http") + "/ws/presence"
	root := context.Background()

	ctx, cancel := context.WithTimeout(root, *timeout)
	f, err := feed.Dial(ctx, wsURL, *tokenA, feed.Options{Origin: *origin})
	cancel()
	if err != nil {
		fatalf("feed: %v", err)
	}
	defer func() { _ = f.Close() }()

	mustNext(root, f, *timeout, func(u feed.Update) bool { return u.Type == v1.TypeSnapshot })
	if *verbose {
		fmt.Printf("feed: conn=%s sessions=%d\n", f.Ack().ConnID, len(f.Sessions()))
	}

	a := mustClient(*server, *tokenA, quiet)
	b := mustClient(*server, *tokenB, quiet)

	ctx, cancel = context.WithTimeout(root, *timeout)
	dec, err := a.Access(ctx, *fp)
	cancel()
	if err != nil {
		fatalf("access: %v", err)
	}
	if !dec.Allowed {
		fatalf("access denied for %s: %s", *fp, dec.Reason)
	}

	sa := mustLogin(root, a, *slotID, *fp, *timeout)
	defer func() { _, _ = sa.Logout(context.Background()) }()
	opA := sa.Info().OperatorID
	mustNext(root, f, *timeout, isChange(v1.OpInsert, *slotID, opA))

	sb := mustLogin(root, b, *slotID, *fp, *timeout)
	opB := sb.Info().OperatorID
	mustNext(root, f, *timeout, isChange(v1.OpDelete, *slotID, opA))
	mustNext(root, f, *timeout, isChange(v1.OpInsert, *slotID, opB))

	ctx, cancel = context.WithTimeout(root, *timeout)
	released, err := sa.Logout(ctx)
	cancel()
	if err != nil {
		fatalf("logout A: %v", err)
	}
	if released {
		fatalf("stale lease of A released slot %d", *slotID)
	}

	ctx, cancel = context.WithTimeout(root, *timeout)
	released, err = sb.Logout(ctx)
	cancel()
	if err != nil {
		fatalf("logout B: %v", err)
	}
	if !released {
		fatalf("logout B did not release slot %d", *slotID)
	}
	mustNext(root, f, *timeout, isChange(v1.OpDelete, *slotID, opB))

	fmt.Printf("OK: slot=%d a=%s b=%s fingerprint=%s\n", *slotID, opA, opB, *fp)
}

func mustClient(server, tok string, log *slog.Logger) *station.Client {
	c, err := station.NewClient(server, tok, station.WithLogger(log))
	if err != nil {
		fatalf("client: %v", err)
	}
	return c
}

func mustLogin(parent context.Context, c *station.Client, slotID int, fp string, stepTimeout time.Duration) *station.Session {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	s, err := c.Login(ctx, slotID, station.LoginRequest{Fingerprint: fp, ClientInfo: map[string]string{"agent": "presence-smoke"}})
	if err != nil {
		fatalf("login slot %d: %v", slotID, err)
	}
	return s
}

func isChange(op string, slotID int, operator string) func(feed.Update) bool {
	return func(u feed.Update) bool {
		return u.Type == v1.TypeSlotChange && u.Change.Op == op &&
			u.Change.Session.SlotID == slotID && u.Change.Session.OperatorID == operator
	}
}

// mustNext reads updates until want matches. Resyncs are tolerated; the
// snapshot that follows replaces the local grid.
func mustNext(parent context.Context, f *feed.Feed, stepTimeout time.Duration, want func(feed.Update) bool) feed.Update {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		u, err := f.Next(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			fatalf("timed out waiting for feed update")
		}
		if err != nil {
			fatalf("feed: %v", err)
		}
		if want(u) {
			return u
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
