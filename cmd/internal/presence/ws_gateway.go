package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tasting/cmd/identity"
	"tasting/cmd/identity/ids"
	"tasting/cmd/internal/slot"
	v1 "tasting/shared/contracts/presence/v1"

	"github.com/coder/websocket"
)

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity.Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (identity.Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (identity.Principal, error) {
	return f(ctx, token)
}

// WSGateway serves the presence feed over WebSocket.
//
// Protocol: the client sends hello{token} (or an empty token when the upgrade
// request carried "Authorization: Bearer"). The server answers hello_ack,
// then a snapshot, then slot_change envelopes in feed order. resync_required
// followed by a fresh snapshot replaces any events the connection lost.
type WSGateway struct {
	log    *slog.Logger
	broker *Broker
	src    Source
	auth   Authenticator
	cfg    GatewayConfig

	patterns []string
}

// NewWSGateway wires a gateway. cfg zero values fall back to defaults.
func NewWSGateway(log *slog.Logger, broker *Broker, src Source, auth Authenticator, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:      log,
		broker:   broker,
		src:      src,
		auth:     auth,
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the connection until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("presence.ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	headerToken := bearerToken(r)
	if r.Header.Get("Authorization") != "" {
		if headerToken == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := g.auth.Authenticate(r.Context(), headerToken); err != nil {
			g.log.Info("presence.ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("presence.ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("presence.ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id")
		return
	}
	client := newClient(connID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		sub       atomic.Pointer[Subscription]
	)

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if s := sub.Load(); s != nil {
				s.Close()
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("presence.ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("presence.ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		// Only hello is time-boxed. Subscribers may stay silent; the ping
		// loop detects dead peers.
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if sub.Load() == nil {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.HelloTimeout)
		}
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "hello timeout")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("presence.ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.writeError(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		authed := sub.Load() != nil
		switch {
		case env.Type == v1.TypeHello && authed:
			g.trySendError(ctx, client, "already_authenticated", "hello already accepted")

		case env.Type == v1.TypeHello:
			s, err := g.onHello(ctx, client, env, headerToken)
			if err != nil {
				g.log.Info("presence.ws.hello.fail", "conn_id", connID, "err", err)
				g.writeError(ctx, conn, "unauthorized", "authentication failed")
				shutdown(websocket.StatusPolicyViolation, "unauthorized")
				break readLoop
			}
			sub.Store(s)
			// Closed while hello was in flight.
			select {
			case <-client.Done():
				s.Close()
			default:
			}

		case !authed:
			g.writeError(ctx, conn, "unauthenticated", "send hello first")
			shutdown(websocket.StatusPolicyViolation, "unauthenticated")
			break readLoop

		case env.Type == v1.TypeSnapshotRequest:
			sub.Load().Resync(ReasonRequested)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope, headerToken string) (*Subscription, error) {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	token := strings.TrimSpace(p.Token)
	if token == "" {
		token = headerToken
	}
	if token == "" {
		return nil, errors.New("missing token")
	}

	principal, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	client.Principal = principal

	ack := newEnvelope(v1.TypeHelloAck, mustJSON(v1.HelloAckPayload{
		ConnID: client.ConnID,
		UserID: principal.UserID,
		Role:   principal.Role.String(),
	}))
	if !g.enqueue(ctx, client, ack) {
		return nil, errors.New("backpressure: hello_ack")
	}

	s := g.broker.SubscribeFeed(func(ev Event) { g.deliver(ctx, client, ev) })
	s.Resync(ReasonInitial)

	g.log.Info("presence.ws.subscribed", "conn_id", client.ConnID, "user_id", principal.UserID, "role", principal.Role)
	return s, nil
}

// deliver runs on the subscription goroutine, so everything it sends keeps
// feed order. It blocks while the send queue is full; the broker queue then
// absorbs the backlog and overflows into a resync.
func (g *WSGateway) deliver(ctx context.Context, client *Client, ev Event) {
	layout := g.src.Layout()

	switch ev.Op {
	case slot.OpInsert, slot.OpUpdate, slot.OpDelete:
		env := newEnvelope(v1.TypeSlotChange, mustJSON(v1.SlotChangePayload{
			Op:      string(ev.Op),
			Session: wireSession(layout, ev.Session),
		}))
		g.send(ctx, client, env)

	case slot.OpResync:
		if ev.Reason != ReasonInitial && ev.Reason != ReasonRequested {
			env := newEnvelope(v1.TypeResyncRequired, mustJSON(v1.ResyncRequiredPayload{Reason: ev.Reason}))
			if !g.send(ctx, client, env) {
				return
			}
		}
		active, err := g.src.ListActive(ctx)
		if err != nil {
			g.log.Warn("presence.ws.snapshot.fail", "conn_id", client.ConnID, "err", err)
			g.trySendError(ctx, client, "snapshot_failed", "slot registry unavailable")
			return
		}
		g.send(ctx, client, newEnvelope(v1.TypeSnapshot, mustJSON(Snapshot(layout, active))))
	}
}

// Snapshot converts active sessions into the wire snapshot.
func Snapshot(layout slot.Layout, active []slot.Session) v1.SnapshotPayload {
	out := v1.SnapshotPayload{
		Slots:     layout.Slots,
		GroupSize: layout.GroupSize,
		Sessions:  make([]v1.Session, 0, len(active)),
	}
	for _, s := range active {
		out.Sessions = append(out.Sessions, wireSession(layout, s))
	}
	return out
}

func wireSession(layout slot.Layout, s slot.Session) v1.Session {
	ws := v1.Session{
		SlotID:        s.SlotID,
		OperatorID:    s.OperatorID,
		OperatorName:  s.OperatorName,
		OperatorRole:  s.OperatorRole.String(),
		ClientInfo:    s.ClientInfo,
		StartedAt:     s.StartedAt,
		LastHeartbeat: s.LastHeartbeat,
	}
	if p, err := layout.Position(s.SlotID); err == nil {
		ws.Group, ws.Position, ws.Chair = p.Group, p.InGroup, p.Chair
	}
	return ws
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, mustJSON(v1.ErrorPayload{Code: code, Message: msg})))
}

// writeError bypasses the send queue so the error reaches the peer before a
// policy close.
func (g *WSGateway) writeError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env := newEnvelope(v1.TypeError, mustJSON(v1.ErrorPayload{Code: code, Message: msg}))
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// enqueue never blocks.
func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// send blocks until the envelope is queued or the connection ends.
func (g *WSGateway) send(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id, _ := ids.NewULID(now)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("presence: marshal %T: %v", v, err))
	}
	return b
}

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
