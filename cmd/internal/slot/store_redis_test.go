package slot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore connects to TASTING_REDIS_ADDR (default localhost:6379,
// DB 15) and skips when Redis is unreachable. Every store gets its own key
// prefix so subtests do not share state.
func newTestRedisStore(t *testing.T) Store {
	t.Helper()

	addr := os.Getenv("TASTING_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	b := make([]byte, 4)
	_, _ = rand.Read(b)
	prefix := "tasting_test_" + hex.EncodeToString(b)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})

	st, err := NewRedisStore(client, WithKeyPrefix(prefix), WithRedisLogger(quietLog()))
	require.NoError(t, err)
	return st
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, newTestRedisStore)
}

func TestNewRedisStore_NilClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	require.Error(t, err)
}
