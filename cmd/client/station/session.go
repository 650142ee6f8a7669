package station

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEvicted means the server no longer recognises the lease: another
// station took the slot, an admin evicted it, or the sweeper expired it.
var ErrEvicted = errors.New("station: session evicted")

// ErrLoggedOut ends a session closed by Logout.
var ErrLoggedOut = errors.New("station: logged out")

// maxHeartbeatFailures consecutive transport failures end the session.
const maxHeartbeatFailures = 5

// Session is one held slot. It heartbeats in the background until Logout,
// eviction or a permanent error.
type Session struct {
	c        *Client
	info     SessionInfo
	position Position
	interval time.Duration

	cancel  context.CancelFunc
	ctx     context.Context
	stopped chan struct{}

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func newSession(c *Client, info SessionInfo, pos Position, interval time.Duration) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		c:        c,
		info:     info,
		position: pos,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) Info() SessionInfo       { return s.info }
func (s *Session) Position() Position      { return s.position }
func (s *Session) Interval() time.Duration { return s.interval }
func (s *Session) Done() <-chan struct{}   { return s.done }

// Err returns why the session ended, or nil while it is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
}

func (s *Session) run() {
	defer close(s.stopped)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.interval)
		held, err := s.c.heartbeat(ctx, s.info.SlotID, s.info.LeaseID)
		cancel()

		switch {
		case s.ctx.Err() != nil:
			return
		case err == nil && held:
			failures = 0
		case err == nil:
			s.c.log.Warn("station.evicted", "slot", s.info.SlotID)
			s.finish(ErrEvicted)
			return
		default:
			var ae *APIError
			if errors.As(err, &ae) && !ae.Temporary() {
				s.c.log.Warn("station.heartbeat.rejected", "slot", s.info.SlotID, "status", ae.Status, "code", ae.Code)
				s.finish(err)
				return
			}
			failures++
			s.c.log.Warn("station.heartbeat.fail", "slot", s.info.SlotID, "attempt", failures, "err", err)
			if failures >= maxHeartbeatFailures {
				s.finish(err)
				return
			}
		}
	}
}

// Logout stops heartbeating, then releases the slot. It reports whether this
// lease still held the slot. A session that ended on heartbeat failures still
// sends the release. An evicted or logged-out session returns false without a
// request.
func (s *Session) Logout(ctx context.Context) (bool, error) {
	s.cancel()
	<-s.stopped

	if err := s.Err(); errors.Is(err, ErrEvicted) || errors.Is(err, ErrLoggedOut) {
		return false, nil
	}
	released, err := s.c.logout(ctx, s.info.SlotID, s.info.LeaseID)
	if err != nil {
		return false, err
	}
	s.finish(ErrLoggedOut)
	s.c.log.Info("station.logout", "slot", s.info.SlotID, "released", released)
	return released, nil
}
