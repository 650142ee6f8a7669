package slot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectBackOff_Bounds(t *testing.T) {
	t.Parallel()

	b := newReconnectBackOff()
	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 800*time.Millisecond)
	assert.LessOrEqual(t, first, 1200*time.Millisecond)

	for range 20 {
		assert.LessOrEqual(t, b.NextBackOff(), 36*time.Second)
	}

	b.Reset()
	assert.LessOrEqual(t, b.NextBackOff(), 1200*time.Millisecond)
}

func TestReconnectLoop_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := reconnectLoop(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), "test.disconnected", "ch",
		func(context.Context) (bool, error) {
			calls++
			cancel()
			return true, errors.New("connection reset")
		})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
