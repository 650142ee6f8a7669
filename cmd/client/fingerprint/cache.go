package fingerprint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileCache keeps the fingerprint in a single file.
type FileCache struct {
	Path string
}

// DefaultPath is <user config dir>/tasting/device-fingerprint.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tasting", "device-fingerprint"), nil
}

func (c FileCache) Load() (string, error) {
	b, err := os.ReadFile(c.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Store writes through a temp file and rename so a crash never leaves a
// truncated identifier behind.
func (c FileCache) Store(fp string) error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.Path), ".device-fingerprint-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(fp + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.Path)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu sync.Mutex
	fp string
}

func (c *MemoryCache) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fp, nil
}

func (c *MemoryCache) Store(fp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fp = fp
	return nil
}
