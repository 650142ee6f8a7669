package fingerprint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSignals struct {
	calls atomic.Int32
	vals  map[string]string
}

func (s *countingSignals) Collect(context.Context) (map[string]string, error) {
	s.calls.Add(1)
	return s.vals, nil
}

func TestResolve_StableAcrossCalls(t *testing.T) {
	t.Parallel()

	sig := &countingSignals{vals: map[string]string{"machine_id": "abc", "hostname": "station-1"}}
	r := NewResolver(&MemoryCache{}, sig)

	first, err := r.Resolve(context.Background())
	require.NoError(t, err)
	second, err := r.Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, Prefix))
	assert.Len(t, first, len(Prefix)+32)
	assert.EqualValues(t, 1, sig.calls.Load(), "signals are read once, then the cache answers")
}

func TestResolve_CacheWinsOverSignals(t *testing.T) {
	t.Parallel()

	cache := &MemoryCache{}
	require.NoError(t, cache.Store("fp_cached"))
	r := NewResolver(cache, StaticSignals{"machine_id": "other"})

	fp, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fp_cached", fp)
}

func TestResolve_NoSignals(t *testing.T) {
	t.Parallel()

	cache := &MemoryCache{}
	r := NewResolver(cache, StaticSignals{"hostname": "  "})

	_, err := r.Resolve(context.Background())
	require.ErrorIs(t, err, ErrNoSignals)

	cached, _ := cache.Load()
	assert.Empty(t, cached, "nothing is cached on failure")
}

type failingCache struct{ MemoryCache }

func (*failingCache) Store(string) error { return errors.New("disk full") }

func TestResolve_StoreFailureIsReturned(t *testing.T) {
	t.Parallel()

	r := NewResolver(&failingCache{}, StaticSignals{"machine_id": "abc"})
	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestResolve_ConcurrentCallsAgree(t *testing.T) {
	t.Parallel()

	r := NewResolver(&MemoryCache{}, StaticSignals{"machine_id": "abc"})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fp, err := r.Resolve(context.Background())
			assert.NoError(t, err)
			results[i] = fp
		}()
	}
	wg.Wait()

	for _, fp := range results {
		assert.Equal(t, results[0], fp)
	}
}

func TestDerive(t *testing.T) {
	t.Parallel()

	a, err := Derive(map[string]string{"machine_id": "abc", "hostname": "h"})
	require.NoError(t, err)
	b, err := Derive(map[string]string{"hostname": "h", "machine_id": "abc", "empty": ""})
	require.NoError(t, err)
	assert.Equal(t, a, b, "order and empty signals do not matter")

	c, err := Derive(map[string]string{"machine_id": "abd", "hostname": "h"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFileCache(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasting", "device-fingerprint")
	c := FileCache{Path: path}

	fp, err := c.Load()
	require.NoError(t, err)
	assert.Empty(t, fp)

	require.NoError(t, c.Store("fp_0123"))
	fp, err = c.Load()
	require.NoError(t, err)
	assert.Equal(t, "fp_0123", fp)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")

	// a second resolver over the same file sees the same identity
	r := NewResolver(c, StaticSignals{"machine_id": "changed"})
	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fp_0123", got)
}
