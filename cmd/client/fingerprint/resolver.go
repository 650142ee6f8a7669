package fingerprint

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Prefix marks identifiers produced by this package.
const Prefix = "fp_"

// hashKey domain-separates fingerprints from any other BLAKE2b use of the
// same signals.
var hashKey = []byte("tasting.device-fingerprint.v1")

// ErrNoSignals means no stable host signal was available. No identifier is
// fabricated in that case.
var ErrNoSignals = errors.New("fingerprint: no device signals available")

// Cache persists the resolved identifier. Load returns "" with a nil error
// when nothing is cached.
type Cache interface {
	Load() (string, error)
	Store(fp string) error
}

// Signals collects named host properties. Empty values are ignored.
type Signals interface {
	Collect(ctx context.Context) (map[string]string, error)
}

// Resolver returns the device fingerprint, computing it on first use.
type Resolver struct {
	mu      sync.Mutex
	cache   Cache
	signals Signals
}

// NewResolver builds a Resolver. A nil signals uses HostSignals.
func NewResolver(cache Cache, signals Signals) *Resolver {
	if signals == nil {
		signals = HostSignals{}
	}
	return &Resolver{cache: cache, signals: signals}
}

// Resolve returns the cached fingerprint or derives, stores and returns a new
// one. Calls are serialized so two callers never race to store different values.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache != nil {
		fp, err := r.cache.Load()
		if err != nil {
			return "", fmt.Errorf("fingerprint: load cache: %w", err)
		}
		if fp = strings.TrimSpace(fp); fp != "" {
			return fp, nil
		}
	}

	sig, err := r.signals.Collect(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint: collect signals: %w", err)
	}
	fp, err := Derive(sig)
	if err != nil {
		return "", err
	}

	if r.cache != nil {
		if err := r.cache.Store(fp); err != nil {
			return "", fmt.Errorf("fingerprint: store cache: %w", err)
		}
	}
	return fp, nil
}

// Derive hashes the non-empty signals in name order.
func Derive(signals map[string]string) (string, error) {
	names := make([]string, 0, len(signals))
	for name, v := range signals {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", ErrNoSignals
	}
	sort.Strings(names)

	h, err := blake2b.New256(hashKey)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		fmt.Fprintf(h, "%s=%s\n", strings.TrimSpace(name), strings.TrimSpace(signals[name]))
	}
	sum := h.Sum(nil)
	return Prefix + hex.EncodeToString(sum[:16]), nil
}
