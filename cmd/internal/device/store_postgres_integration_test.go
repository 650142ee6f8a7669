package device

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tasting/cmd/identity"
	"tasting/cmd/internal/pgtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresEngine(t *testing.T) (*Engine, *PostgresStore, *identity.PostgresRoleStore) {
	t.Helper()

	pool := pgtest.OpenPool(t)
	schema := pgtest.MigratedSchema(t, pool)

	roles, err := identity.NewPostgresRoleStore(pool, identity.WithSchema(schema))
	require.NoError(t, err)
	st, err := NewPostgresStore(pool, roles, WithSchema(schema))
	require.NoError(t, err)
	return NewEngine(st, quietLog()), st, roles
}

func TestPostgresStore_BootstrapAndPending(t *testing.T) {
	t.Parallel()
	e, st, roles := newPostgresEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dec, err := e.CheckAccess(ctx, "fp-new", "userA")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Bootstrapped)
	assert.Equal(t, "userA", *dec.Device.OwningUserID)

	r, ok, err := roles.Role(ctx, "userA")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, identity.RoleAdmin, r)

	dec, err = e.CheckAccess(ctx, "fp-second", "userB")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonPendingApproval, dec.Reason)

	dec, err = e.CheckAccess(ctx, "fp-second", "userB")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotAuthorized, dec.Reason)

	n, err := st.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresStore_ConcurrentBootstrap(t *testing.T) {
	t.Parallel()
	e, st, _ := newPostgresEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 12
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		boots int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dec, err := e.CheckAccess(ctx, fmt.Sprintf("fp-%d", i), fmt.Sprintf("user-%d", i))
			if err != nil {
				t.Errorf("CheckAccess: %v", err)
				return
			}
			if dec.Bootstrapped {
				mu.Lock()
				boots++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, boots)
	active, err := st.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestPostgresStore_AdminOps(t *testing.T) {
	t.Parallel()
	e, st, _ := newPostgresEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := e.CheckAccess(ctx, "fp-a", "admin-1")
	require.NoError(t, err)
	_, err = e.CheckAccess(ctx, "fp-b", "")
	require.NoError(t, err)

	d, err := e.Activate(ctx, admin, "fp-b")
	require.NoError(t, err)
	assert.True(t, d.Active)

	five := 5
	_, err = e.AssignSlot(ctx, admin, "fp-a", &five)
	require.NoError(t, err)
	_, err = e.AssignSlot(ctx, admin, "fp-b", &five)
	assert.True(t, identity.IsConflict(err))

	d, err = e.Rename(ctx, admin, "fp-b", "Mesa 2")
	require.NoError(t, err)
	assert.Equal(t, "Mesa 2", d.DisplayName)

	all, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = st.Get(ctx, "fp-none")
	assert.True(t, identity.IsNotFound(err))
}
