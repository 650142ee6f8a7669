package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasting/cmd/internal/slot"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitLen(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.all()) >= n }, 3*time.Second, 5*time.Millisecond)
	return c.all()
}

func change(op slot.Op, slotID int) slot.Change {
	return slot.Change{Op: op, Session: slot.Session{SlotID: slotID, LeaseID: "l", OperatorID: "u"}}
}

func TestBroker_EverySubscriberGetsEveryChangeInOrder(t *testing.T) {
	b := NewBroker(quietLog())

	var a, c collector
	defer b.Subscribe(a.handle)()
	defer b.Subscribe(c.handle)()

	for i := 1; i <= 50; i++ {
		b.Publish(change(slot.OpInsert, i))
	}

	for _, col := range []*collector{&a, &c} {
		got := col.waitLen(t, 50)
		for i, ev := range got {
			assert.Equal(t, i+1, ev.Session.SlotID)
		}
	}
}

func TestBroker_UnsubscribeIdempotent(t *testing.T) {
	b := NewBroker(quietLog())

	var col collector
	unsub := b.Subscribe(col.handle)
	require.Equal(t, 1, b.Subscribers())

	unsub()
	unsub()
	assert.Equal(t, 0, b.Subscribers())

	b.Publish(change(slot.OpInsert, 1))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, col.all())
}

func TestBroker_UnsubscribeFromHandler(t *testing.T) {
	b := NewBroker(quietLog())

	var (
		unsub func()
		calls int
		mu    sync.Mutex
		ready = make(chan struct{})
	)
	unsub = b.Subscribe(func(Event) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		unsub()
	})
	close(ready)

	b.Publish(change(slot.OpInsert, 1))
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	b.Publish(change(slot.OpInsert, 2))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestBroker_OverflowDropsBacklogAndResyncs(t *testing.T) {
	b := NewBroker(quietLog(), WithQueueSize(4))

	release := make(chan struct{})
	var col collector
	first := true
	defer b.Subscribe(func(ev Event) {
		if first {
			first = false
			<-release
		}
		col.handle(ev)
	})()

	// The first event is taken by the handler and blocks; the rest overflow.
	b.Publish(change(slot.OpInsert, 1))
	time.Sleep(20 * time.Millisecond)
	for i := 2; i <= 20; i++ {
		b.Publish(change(slot.OpUpdate, i))
	}
	close(release)

	time.Sleep(50 * time.Millisecond)
	got := col.all()
	require.NotEmpty(t, got)
	assert.Equal(t, 1, got[0].Session.SlotID)

	var resyncs int
	for _, ev := range got[1:] {
		if ev.Op == slot.OpResync {
			resyncs++
			assert.Equal(t, ReasonOverflow, ev.Reason)
		}
	}
	assert.GreaterOrEqual(t, resyncs, 1)
	last := got[len(got)-1]
	if last.Op != slot.OpResync {
		assert.Equal(t, 20, last.Session.SlotID, "events after the resync are delivered")
	}
}

func TestBroker_RunFeedsFromStore(t *testing.T) {
	st := slot.NewMemoryStore()
	b := NewBroker(quietLog())

	var col collector
	defer b.Subscribe(col.handle)()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, st) }()

	got := col.waitLen(t, 1)
	assert.Equal(t, slot.OpResync, got[0].Op)
	assert.Equal(t, ReasonReconnect, got[0].Reason)

	now := time.Now().UTC()
	_, err := st.Upsert(ctx, slot.Session{SlotID: 3, LeaseID: "a", OperatorID: "u1", StartedAt: now, LastHeartbeat: now})
	require.NoError(t, err)
	_, err = st.Upsert(ctx, slot.Session{SlotID: 3, LeaseID: "b", OperatorID: "u2", StartedAt: now, LastHeartbeat: now})
	require.NoError(t, err)

	got = col.waitLen(t, 4)
	assert.Equal(t, []slot.Op{slot.OpResync, slot.OpInsert, slot.OpDelete, slot.OpInsert},
		[]slot.Op{got[0].Op, got[1].Op, got[2].Op, got[3].Op})
	assert.Equal(t, "u1", got[2].Session.OperatorID)
	assert.Equal(t, "u2", got[3].Session.OperatorID)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSubscription_ResyncQueuedBehindChanges(t *testing.T) {
	b := NewBroker(quietLog())

	var col collector
	sub := b.SubscribeFeed(col.handle)
	defer sub.Close()

	b.Publish(change(slot.OpInsert, 1))
	sub.Resync(ReasonRequested)
	b.Publish(change(slot.OpDelete, 1))

	got := col.waitLen(t, 3)
	assert.Equal(t, slot.OpInsert, got[0].Op)
	assert.Equal(t, slot.OpResync, got[1].Op)
	assert.Equal(t, ReasonRequested, got[1].Reason)
	assert.Equal(t, slot.OpDelete, got[2].Op)
}

type staticSource struct {
	mu     sync.Mutex
	active []slot.Session
	err    error
}

func (s *staticSource) ListActive(context.Context) ([]slot.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]slot.Session(nil), s.active...), s.err
}

func (s *staticSource) Layout() slot.Layout { return slot.DefaultLayout }

func TestTrackOccupancy(t *testing.T) {
	b := NewBroker(quietLog())
	src := &staticSource{active: []slot.Session{{SlotID: 1}, {SlotID: 2}}}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	o := TrackOccupancy(ctx, b, src, nil, quietLog())
	require.Eventually(t, func() bool { return o.Len() == 2 }, time.Second, 5*time.Millisecond)

	b.Publish(change(slot.OpInsert, 7))
	require.Eventually(t, func() bool { return o.Len() == 3 }, time.Second, 5*time.Millisecond)

	b.Publish(change(slot.OpDelete, 1))
	require.Eventually(t, func() bool { return o.Len() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTrackOccupancy_RetriesFailedReload(t *testing.T) {
	b := NewBroker(quietLog())
	src := &staticSource{err: errors.New("store down")}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	o := TrackOccupancy(ctx, b, src, nil, quietLog(), WithReloadRetry(20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, o.Len())

	// no feed event arrives; the scheduled retry alone must catch up
	src.mu.Lock()
	src.err = nil
	src.active = []slot.Session{{SlotID: 4}, {SlotID: 5}, {SlotID: 9}}
	src.mu.Unlock()

	require.Eventually(t, func() bool { return o.Len() == 3 }, 3*time.Second, 5*time.Millisecond)
}
