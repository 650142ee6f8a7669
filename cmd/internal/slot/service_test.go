package slot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasting/cmd/identity"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T, cfg Config) (*Service, *MemoryStore, *fakeClock) {
	t.Helper()
	st := NewMemoryStore()
	clk := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	svc, err := NewService(st, quietLog(), cfg, WithClock(clk.Now))
	require.NoError(t, err)
	return svc, st, clk
}

func taster(slotID int, id string) LoginInput {
	return LoginInput{
		SlotID:       slotID,
		OperatorID:   id,
		OperatorName: "Taster " + id,
		OperatorRole: identity.RoleTaster,
	}
}

var admin = identity.Principal{UserID: "boss", Name: "Boss", Role: identity.RoleAdmin}

func TestLogin_CreatesSession(t *testing.T) {
	svc, _, clk := newTestService(t, Config{})
	ctx := t.Context()

	in := taster(6, "u1")
	in.ClientInfo = map[string]string{" app ": " station ", "version": "1.2"}
	sess, err := svc.Login(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, 6, sess.SlotID)
	assert.NotEmpty(t, sess.LeaseID)
	assert.Equal(t, "u1", sess.OperatorID)
	assert.Equal(t, identity.RoleTaster, sess.OperatorRole)
	assert.Equal(t, "station", sess.ClientInfo["app"])
	assert.Equal(t, clk.now, sess.StartedAt)
	assert.Equal(t, clk.now, sess.LastHeartbeat)

	occupied, err := svc.IsOccupied(ctx, 6)
	require.NoError(t, err)
	assert.True(t, occupied)

	p := svc.Place(6)
	assert.Equal(t, 2, p.Group)
	assert.Equal(t, 1, p.InGroup)
	assert.True(t, p.Chair)
}

func TestLogin_Validation(t *testing.T) {
	svc, st, _ := newTestService(t, Config{})
	ctx := t.Context()

	tooMany := map[string]string{}
	for i := 0; i < MaxClientInfoKeys+1; i++ {
		tooMany[strings.Repeat("k", i+1)] = "v"
	}

	cases := map[string]LoginInput{
		"slot zero":      taster(0, "u1"),
		"slot too high":  taster(26, "u1"),
		"no operator":    taster(1, "  "),
		"no name":        {SlotID: 1, OperatorID: "u1", OperatorRole: identity.RoleTaster},
		"unknown role":   {SlotID: 1, OperatorID: "u1", OperatorName: "x", OperatorRole: "sommelier"},
		"too many keys":  {SlotID: 1, OperatorID: "u1", OperatorName: "x", OperatorRole: identity.RoleTaster, ClientInfo: tooMany},
		"client too big": {SlotID: 1, OperatorID: "u1", OperatorName: "x", OperatorRole: identity.RoleTaster, ClientInfo: map[string]string{"blob": strings.Repeat("a", MaxClientInfoBytes)}},
		"empty info key": {SlotID: 1, OperatorID: "u1", OperatorName: "x", OperatorRole: identity.RoleTaster, ClientInfo: map[string]string{" ": "v"}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Login(ctx, in)
			require.Error(t, err)
			assert.True(t, identity.IsInvalidInput(err), "got %v", err)
		})
	}

	all, err := st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLogin_SecondLoginPreemptsFirst(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := t.Context()

	first, err := svc.Login(ctx, taster(3, "u1"))
	require.NoError(t, err)
	second, err := svc.Login(ctx, taster(3, "u2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)

	all, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u2", all[0].OperatorID)

	ok, err := svc.Heartbeat(ctx, 3, first.LeaseID)
	require.NoError(t, err)
	assert.False(t, ok, "pre-empted holder lost the slot")

	ok, err = svc.Logout(ctx, 3, first.LeaseID)
	require.NoError(t, err)
	assert.False(t, ok, "stale logout must not free the new holder's slot")

	occupied, err := svc.IsOccupied(ctx, 3)
	require.NoError(t, err)
	assert.True(t, occupied)
}

func TestLogin_ConcurrentLoginsLeaveOneHolder(t *testing.T) {
	svc, st, _ := newTestService(t, Config{})
	ctx := t.Context()
	rec := watch(t, st)

	const n = 12
	leases := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := svc.Login(ctx, taster(3, "u"+strings.Repeat("x", i+1)))
			assert.NoError(t, err)
			leases[i] = sess.LeaseID
		}()
	}
	wg.Wait()

	all, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Contains(t, leases, all[0].LeaseID)

	held := 0
	for _, lease := range leases {
		ok, err := svc.Heartbeat(ctx, 3, lease)
		require.NoError(t, err)
		if ok {
			held++
			assert.Equal(t, all[0].LeaseID, lease)
		}
	}
	assert.Equal(t, 1, held, "exactly one lease keeps the slot")

	require.Eventually(t, func() bool {
		inserts, deletes, last := 0, 0, ""
		for _, c := range rec.snapshot() {
			switch c.Op {
			case OpInsert:
				inserts++
				last = c.Session.LeaseID
			case OpDelete:
				deletes++
			}
		}
		return inserts-deletes == 1 && last == all[0].LeaseID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogin_RequireFree(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := t.Context()

	_, err := svc.Login(ctx, taster(4, "u1"))
	require.NoError(t, err)

	in := taster(4, "u2")
	in.RequireFree = true
	_, err = svc.Login(ctx, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlotOccupied)

	var conflict *SlotConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "u1", conflict.Holder.OperatorID)

	in.SlotID = 5
	_, err = svc.Login(ctx, in)
	require.NoError(t, err)
}

func TestHeartbeat(t *testing.T) {
	svc, st, clk := newTestService(t, Config{})
	ctx := t.Context()

	sess, err := svc.Login(ctx, taster(1, "u1"))
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	ok, err := svc.Heartbeat(ctx, 1, sess.LeaseID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, clk.now, got.LastHeartbeat)
	assert.Equal(t, sess.StartedAt, got.StartedAt)

	_, err = svc.Heartbeat(ctx, 1, " ")
	assert.True(t, identity.IsInvalidInput(err))

	ok, err = svc.Heartbeat(ctx, 2, sess.LeaseID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogout(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := t.Context()

	sess, err := svc.Login(ctx, taster(9, "u1"))
	require.NoError(t, err)

	ok, err := svc.Logout(ctx, 9, sess.LeaseID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Logout(ctx, 9, sess.LeaseID)
	require.NoError(t, err)
	assert.False(t, ok, "second logout is a no-op")

	occupied, err := svc.IsOccupied(ctx, 9)
	require.NoError(t, err)
	assert.False(t, occupied)
}

func TestForceEvict(t *testing.T) {
	svc, st, _ := newTestService(t, Config{})
	ctx := t.Context()

	sess, err := svc.Login(ctx, taster(2, "u1"))
	require.NoError(t, err)
	rec := watch(t, st)

	ok, err := svc.ForceEvict(ctx, admin, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	got := rec.waitLen(t, 2)
	assert.Equal(t, OpDelete, got[1].Op)
	assert.Equal(t, "u1", got[1].Session.OperatorID)

	ok, err = svc.Heartbeat(ctx, 2, sess.LeaseID)
	require.NoError(t, err)
	assert.False(t, ok, "evicted station learns it lost the slot")

	ok, err = svc.ForceEvict(ctx, admin, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForceEvict_OrganizerAllowed(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := t.Context()

	_, err := svc.Login(ctx, taster(2, "u1"))
	require.NoError(t, err)

	org := identity.Principal{UserID: "org", Role: identity.RoleOrganizer}
	ok, err := svc.ForceEvict(ctx, org, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForceEvict_NonAdminRejectedWithoutWrite(t *testing.T) {
	cs := &countingStore{Store: NewMemoryStore()}
	svc, err := NewService(cs, quietLog(), Config{})
	require.NoError(t, err)
	ctx := t.Context()

	_, err = svc.Login(ctx, taster(2, "u1"))
	require.NoError(t, err)
	before := cs.deletes.Load()

	for _, p := range []identity.Principal{
		{UserID: "t", Role: identity.RoleTaster},
		{UserID: "v", Role: identity.RoleViewer},
		{},
	} {
		ok, err := svc.ForceEvict(ctx, p, 2)
		assert.ErrorIs(t, err, ErrEvictionNotAuthorized)
		assert.False(t, ok)
	}
	assert.Equal(t, before, cs.deletes.Load())

	occupied, err := svc.IsOccupied(ctx, 2)
	require.NoError(t, err)
	assert.True(t, occupied)
}

func TestGrid(t *testing.T) {
	svc, _, _ := newTestService(t, Config{Layout: Layout{Slots: 10, GroupSize: 5}})
	ctx := t.Context()

	_, err := svc.Login(ctx, taster(7, "u1"))
	require.NoError(t, err)

	cells, err := svc.Grid(ctx)
	require.NoError(t, err)
	require.Len(t, cells, 10)
	for _, c := range cells {
		if c.SlotID == 7 {
			require.NotNil(t, c.Session)
			assert.Equal(t, "u1", c.Session.OperatorID)
			assert.Equal(t, 2, c.Group)
			assert.Equal(t, 2, c.InGroup)
			continue
		}
		assert.Nil(t, c.Session, "slot %d", c.SlotID)
	}
}

func TestSweep(t *testing.T) {
	svc, _, clk := newTestService(t, Config{StaleAfter: time.Minute})
	ctx := t.Context()

	old, err := svc.Login(ctx, taster(1, "u1"))
	require.NoError(t, err)
	clk.Advance(45 * time.Second)
	_, err = svc.Login(ctx, taster(2, "u2"))
	require.NoError(t, err)
	clk.Advance(30 * time.Second)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := svc.Heartbeat(ctx, 1, old.LeaseID)
	require.NoError(t, err)
	assert.False(t, ok)

	occupied, err := svc.IsOccupied(ctx, 2)
	require.NoError(t, err)
	assert.True(t, occupied)
}

func TestSweep_DisabledByDefault(t *testing.T) {
	svc, _, clk := newTestService(t, Config{})
	ctx := t.Context()

	_, err := svc.Login(ctx, taster(1, "u1"))
	require.NoError(t, err)
	clk.Advance(24 * time.Hour)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, svc, time.Millisecond, quietLog())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper should return immediately when disabled")
	}
}

func TestRunSweeper_RemovesStale(t *testing.T) {
	st := NewMemoryStore()
	svc, err := NewService(st, quietLog(), Config{StaleAfter: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	_, err = svc.Login(ctx, taster(1, "u1"))
	require.NoError(t, err)

	go RunSweeper(ctx, svc, 10*time.Millisecond, quietLog())

	require.Eventually(t, func() bool {
		occupied, err := svc.IsOccupied(ctx, 1)
		return err == nil && !occupied
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoreFailureIsNeverFree(t *testing.T) {
	svc, err := NewService(brokenStore{}, quietLog(), Config{StaleAfter: time.Minute})
	require.NoError(t, err)
	ctx := t.Context()

	_, err = svc.IsOccupied(ctx, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.Login(ctx, taster(1, "u1"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.Heartbeat(ctx, 1, "lease")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.Logout(ctx, 1, "lease")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.ForceEvict(ctx, admin, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.ListActive(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.Sweep(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errBroken)
}

func TestNewService_RejectsBadLayout(t *testing.T) {
	_, err := NewService(NewMemoryStore(), nil, Config{Layout: Layout{Slots: 5}})
	require.Error(t, err)
}

type countingStore struct {
	Store
	deletes atomic.Int64
}

func (c *countingStore) Delete(ctx context.Context, slotID int, leaseID string) (Session, bool, error) {
	c.deletes.Add(1)
	return c.Store.Delete(ctx, slotID, leaseID)
}

var errBroken = errors.New("connection refused")

type brokenStore struct{}

func (brokenStore) Upsert(context.Context, Session) (*Session, error) { return nil, errBroken }
func (brokenStore) Touch(context.Context, int, string, time.Time) (bool, error) {
	return false, errBroken
}
func (brokenStore) Delete(context.Context, int, string) (Session, bool, error) {
	return Session{}, false, errBroken
}
func (brokenStore) Get(context.Context, int) (Session, bool, error) {
	return Session{}, false, errBroken
}
func (brokenStore) List(context.Context) ([]Session, error) { return nil, errBroken }
func (brokenStore) DeleteStale(context.Context, time.Time) ([]Session, error) {
	return nil, errBroken
}
func (brokenStore) Watch(ctx context.Context, _ ChangeSink) error {
	<-ctx.Done()
	return ctx.Err()
}
