package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tasting/cmd/identity"

	paseto "aidanwoods.dev/go-paseto"
)

// Claims is the identity carried by an access token.
type Claims struct {
	UserID    string
	Name      string
	Role      identity.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// Principal converts the claims into an identity principal.
func (c Claims) Principal() identity.Principal {
	return identity.Principal{UserID: c.UserID, Name: c.Name, Role: c.Role}
}

// Manager signs and verifies PASETO v4.public tokens.
type Manager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.PasetoV4SecretKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: paseto secret key: %v", ErrConfig, err)
	}
	return &Manager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

// GenerateSecretKeyHex returns a fresh signing key (for `tasting token keygen`).
func GenerateSecretKeyHex() string {
	return paseto.NewV4AsymmetricSecretKey().ExportHex()
}

// PublicKeyHex exports the verification key.
func (m *Manager) PublicKeyHex() string { return m.public.ExportHex() }

// Issue signs a token for p valid from now for the configured TTL.
func (m *Manager) Issue(p identity.Principal, now time.Time) (string, time.Time, error) {
	uid := identity.NormalizeUserID(p.UserID)
	if uid == "" {
		return "", time.Time{}, identity.Invalid("token.Issue", "user id required")
	}
	if !p.Role.Valid() {
		return "", time.Time{}, identity.Invalid("token.Issue", "unknown role")
	}

	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetSubject(uid)

	_ = tok.Set("uid", uid)
	_ = tok.Set("name", identity.NormalizeLabel(p.Name))
	_ = tok.Set("role", string(p.Role))

	return tok.V4Sign(m.secret, nil), exp, nil
}

// Verify checks signature, issuer and validity window at now.
func (m *Manager) Verify(raw string, now time.Time) (Claims, error) {
	// Validate slightly in the future so a fresh token from a skewed clock
	// does not fail "nbf".
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, strings.TrimSpace(raw), nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	roleRaw, err := parsed.GetString("role")
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	role, err := identity.ParseRole(roleRaw)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	name, _ := parsed.GetString("name")

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		UserID:    uid,
		Name:      name,
		Role:      role,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Issuer:    iss,
	}, nil
}

// Authenticator verifies tokens and applies stored roles.
type Authenticator struct {
	tokens *Manager
	roles  identity.RoleStore
	now    func() time.Time
}

// NewAuthenticator wires token verification to the role store. roles may be
// nil, in which case token roles are used as-is.
func NewAuthenticator(tokens *Manager, roles identity.RoleStore) *Authenticator {
	return &Authenticator{tokens: tokens, roles: roles, now: time.Now}
}

// Authenticate returns the principal for raw. Role store failures are
// returned as errors, never downgraded to the token role.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (identity.Principal, error) {
	claims, err := a.tokens.Verify(raw, a.now().UTC())
	if err != nil {
		return identity.Principal{}, err
	}
	p := claims.Principal()
	if a.roles == nil {
		return p, nil
	}
	return identity.ResolvePrincipal(ctx, a.roles, p)
}
