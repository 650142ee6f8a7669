package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"tasting/cmd/identity"

	paseto "aidanwoods.dev/go-paseto"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	now := time.Now().UTC()

	raw, exp, err := m.Issue(identity.Principal{UserID: "u1", Name: "  Ana  María ", Role: identity.RoleTaster}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(DefaultConfig().AccessTokenTTL)) {
		t.Fatalf("exp mismatch: %v", exp)
	}

	c, err := m.Verify(raw, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "u1" || c.Role != identity.RoleTaster || c.Name != "Ana María" {
		t.Fatalf("claims mismatch: %+v", c)
	}
	if c.Issuer != "tasting" {
		t.Fatalf("issuer mismatch: %q", c.Issuer)
	}
}

func TestVerify_Rejects(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	other := newTestManager(t, nil)
	otherIssuer := newTestManager(t, func(c *Config) { c.Issuer = "elsewhere" })
	now := time.Now().UTC()
	p := identity.Principal{UserID: "u1", Role: identity.RoleAdmin}

	good, _, err := m.Issue(p, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	foreign, _, _ := other.Issue(p, now)

	cases := map[string]struct {
		raw string
		at  time.Time
		mgr *Manager
	}{
		"garbage":      {"v4.public.nope", now, m},
		"empty":        {"", now, m},
		"expired":      {good, now.Add(DefaultConfig().AccessTokenTTL + time.Hour), m},
		"wrong key":    {foreign, now, m},
		"wrong issuer": {good, now, otherIssuer},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := tc.mgr.Verify(tc.raw, tc.at); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerify_ClockSkew(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, func(c *Config) { c.ClockSkew = 10 * time.Second })
	now := time.Now().UTC()

	// Issued by a server whose clock runs 5s ahead.
	raw, _, err := m.Issue(identity.Principal{UserID: "u1", Role: identity.RoleViewer}, now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Verify(raw, now); err != nil {
		t.Fatalf("skew within tolerance should verify: %v", err)
	}
}

func TestIssue_Validation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	if _, _, err := m.Issue(identity.Principal{Role: identity.RoleAdmin}, time.Now()); !identity.IsInvalidInput(err) {
		t.Fatalf("missing user: %v", err)
	}
	if _, _, err := m.Issue(identity.Principal{UserID: "u", Role: "chef"}, time.Now()); !identity.IsInvalidInput(err) {
		t.Fatalf("bad role: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	base := DefaultConfig()
	base.PasetoV4SecretKeyHex = GenerateSecretKeyHex()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"no issuer":     func(c *Config) { c.Issuer = " " },
		"zero ttl":      func(c *Config) { c.AccessTokenTTL = 0 },
		"negative skew": func(c *Config) { c.ClockSkew = -time.Second },
		"no key":        func(c *Config) { c.PasetoV4SecretKeyHex = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := base
			mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}

	bad := base
	bad.PasetoV4SecretKeyHex = "zz"
	if _, err := NewManager(bad); !errors.Is(err, ErrConfig) {
		t.Fatalf("bad key: expected ErrConfig, got %v", err)
	}
}

type fixedRoles map[string]identity.Role

func (f fixedRoles) Role(_ context.Context, userID string) (identity.Role, bool, error) {
	r, ok := f[userID]
	return r, ok, nil
}

func (f fixedRoles) SetRole(context.Context, string, identity.Role, time.Time) error { return nil }

func TestAuthenticator_StoredRoleWins(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	raw, _, err := m.Issue(identity.Principal{UserID: "boss", Role: identity.RoleViewer}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	a := NewAuthenticator(m, fixedRoles{"boss": identity.RoleAdmin})
	p, err := a.Authenticate(t.Context(), raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Role != identity.RoleAdmin {
		t.Fatalf("stored role should override token role, got %s", p.Role)
	}

	plain := NewAuthenticator(m, nil)
	p, err = plain.Authenticate(t.Context(), raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Role != identity.RoleViewer {
		t.Fatalf("token role expected without store, got %s", p.Role)
	}

	if _, err := a.Authenticate(t.Context(), "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
