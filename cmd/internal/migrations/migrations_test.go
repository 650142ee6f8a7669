package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(FS(), ".")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		b, err := fs.ReadFile(FS(), e.Name())
		require.NoError(t, err)
		s := string(b)
		assert.True(t, strings.Contains(s, "-- +goose Up"), e.Name())
		assert.True(t, strings.Contains(s, "-- +goose Down"), e.Name())
		// schema is chosen by search_path, never hard-coded
		assert.False(t, strings.Contains(s, "tasting."), e.Name())
	}
}
