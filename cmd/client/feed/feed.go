// Package feed follows the presence feed and keeps a local copy of the
// occupied slots.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "tasting/shared/contracts/presence/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReadBytes = 1 << 20

// ErrRejected means the server answered hello with an error.
var ErrRejected = errors.New("feed: hello rejected")

// Update is one applied server message.
type Update struct {
	// Type is v1.TypeSnapshot, v1.TypeSlotChange or v1.TypeResyncRequired.
	Type   string
	Change *v1.SlotChangePayload
	Reason string
}

// Feed is an authenticated presence subscription.
type Feed struct {
	conn *websocket.Conn
	ack  v1.HelloAckPayload

	slots     int
	groupSize int
	sessions  []v1.Session

	// changes before the first snapshot are dropped; the snapshot covers them
	synced bool
}

// Options configure Dial.
type Options struct {
	// Origin is sent on the handshake when set.
	Origin string
	// HelloTimeout bounds the handshake and hello round trip.
	HelloTimeout time.Duration
	HTTPClient   *http.Client
}

// Dial connects to wsURL, authenticates with token and waits for hello_ack.
func Dial(ctx context.Context, wsURL, token string, opts Options) (*Feed, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return nil, fmt.Errorf("feed: url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("feed: url scheme must be ws or wss, got %q", u.Scheme)
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 10 * time.Second
	}

	hctx, cancel := context.WithTimeout(ctx, opts.HelloTimeout)
	defer cancel()

	hdr := http.Header{}
	if opts.Origin != "" {
		hdr.Set("Origin", opts.Origin)
	}
	conn, _, err := websocket.Dial(hctx, u.String(), &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("feed: dial: %w", err)
	}
	conn.SetReadLimit(maxReadBytes)

	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol")
		return nil, fmt.Errorf("feed: server chose subprotocol %q", conn.Subprotocol())
	}

	f := &Feed{conn: conn}
	if err := f.hello(hctx, token); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "hello failed")
		return nil, err
	}
	return f, nil
}

func (f *Feed) hello(ctx context.Context, token string) error {
	payload, _ := json.Marshal(v1.HelloPayload{Token: token})
	if err := wsjson.Write(ctx, f.conn, v1.Envelope{V: v1.Version, Type: v1.TypeHello, TS: time.Now().UTC(), Payload: payload}); err != nil {
		return fmt.Errorf("feed: send hello: %w", err)
	}

	var env v1.Envelope
	if err := wsjson.Read(ctx, f.conn, &env); err != nil {
		return fmt.Errorf("feed: read hello_ack: %w", err)
	}
	switch env.Type {
	case v1.TypeHelloAck:
		if err := json.Unmarshal(env.Payload, &f.ack); err != nil {
			return fmt.Errorf("feed: hello_ack payload: %w", err)
		}
		return nil
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return fmt.Errorf("%w: %s: %s", ErrRejected, p.Code, p.Message)
	default:
		return fmt.Errorf("feed: expected hello_ack, got %q", env.Type)
	}
}

// Ack returns the server's hello_ack.
func (f *Feed) Ack() v1.HelloAckPayload { return f.ack }

// Next reads until the local grid changes and reports what happened. Server
// error envelopes are returned as errors but leave the feed usable.
func (f *Feed) Next(ctx context.Context) (Update, error) {
	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, f.conn, &env); err != nil {
			return Update{}, err
		}
		if err := env.Validate(); err != nil {
			return Update{}, fmt.Errorf("feed: %w", err)
		}

		switch env.Type {
		case v1.TypeSnapshot:
			var p v1.SnapshotPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return Update{}, fmt.Errorf("feed: snapshot payload: %w", err)
			}
			f.slots, f.groupSize, f.sessions, f.synced = p.Slots, p.GroupSize, p.Sessions, true
			return Update{Type: env.Type}, nil

		case v1.TypeSlotChange:
			if !f.synced {
				continue
			}
			var p v1.SlotChangePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return Update{}, fmt.Errorf("feed: change payload: %w", err)
			}
			f.sessions = v1.Apply(f.sessions, p)
			return Update{Type: env.Type, Change: &p}, nil

		case v1.TypeResyncRequired:
			var p v1.ResyncRequiredPayload
			_ = json.Unmarshal(env.Payload, &p)
			f.synced = false
			return Update{Type: env.Type, Reason: p.Reason}, nil

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return Update{}, fmt.Errorf("feed: server error %s: %s", p.Code, p.Message)
		}
	}
}

// RequestSnapshot asks the server to resend the full grid.
func (f *Feed) RequestSnapshot(ctx context.Context) error {
	f.synced = false
	return wsjson.Write(ctx, f.conn, v1.Envelope{V: v1.Version, Type: v1.TypeSnapshotRequest, TS: time.Now().UTC()})
}

// Sessions returns a copy of the occupied slots, ordered by slot id.
func (f *Feed) Sessions() []v1.Session {
	out := make([]v1.Session, len(f.sessions))
	copy(out, f.sessions)
	return out
}

// Synced reports whether the local grid reflects a snapshot plus every
// change since.
func (f *Feed) Synced() bool { return f.synced }

// Layout returns the slot count and group size from the last snapshot.
func (f *Feed) Layout() (slots, groupSize int) { return f.slots, f.groupSize }

// Close ends the subscription.
func (f *Feed) Close() error {
	return f.conn.Close(websocket.StatusNormalClosure, "bye")
}
