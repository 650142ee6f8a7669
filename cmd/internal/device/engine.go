package device

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"tasting/cmd/identity"
	"tasting/cmd/internal/metrics"
)

// MaxFingerprintLen bounds accepted fingerprints.
const MaxFingerprintLen = 128

// Engine decides whether a device may use the system and carries the
// administrator operations on the registry.
type Engine struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	slotCount int
}

// EngineOption configures optional Engine dependencies.
type EngineOption func(*Engine)

// WithMetrics records decisions on m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSlotCount bounds assigned_slot to 1..n.
func WithSlotCount(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.slotCount = n
		}
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store Store, log *slog.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:     store,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		slotCount: 25,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CheckAccess resolves fingerprint against the registry on behalf of userID
// (empty when no account is signed in yet).
//
// A store failure is returned as *StoreUnavailableError with a zero Decision;
// it is never reported as allowed.
func (e *Engine) CheckAccess(ctx context.Context, fingerprint, userID string) (Decision, error) {
	const op = "device.CheckAccess"

	fp, err := normalizeFingerprint(op, fingerprint)
	if err != nil {
		return Decision{}, err
	}
	userID = identity.NormalizeUserID(userID)

	d, err := e.store.Get(ctx, fp)
	switch {
	case err == nil:
		return e.decideExisting(ctx, d, userID)
	case identity.IsNotFound(err):
	default:
		return e.unavailable(op, fp, err)
	}

	d, outcome, err := e.store.RegisterUnknown(ctx, RegisterInput{
		Fingerprint: fp,
		UserID:      userID,
		Now:         e.now(),
	})
	if err != nil {
		return e.unavailable(op, fp, err)
	}

	var dec Decision
	switch outcome {
	case OutcomeBootstrapped:
		dec = Decision{Allowed: true, Device: d, Bootstrapped: true}
		e.log.Warn("device.access.bootstrap", "fingerprint", fp, "user_id", userID)
	case OutcomePending:
		dec = Decision{Reason: ReasonPendingApproval, Device: d}
		e.log.Info("device.access.registered", "fingerprint", fp, "user_id", userID)
	default:
		return e.decideExisting(ctx, d, userID)
	}

	e.metrics.AccessDecision(dec.Outcome())
	return dec, nil
}

func (e *Engine) decideExisting(ctx context.Context, d Device, userID string) (Decision, error) {
	if !d.Active {
		dec := Decision{Reason: ReasonNotAuthorized, Device: d}
		e.metrics.AccessDecision(dec.Outcome())
		e.log.Info("device.access.denied", "fingerprint", d.Fingerprint, "user_id", userID)
		return dec, nil
	}

	touched, err := e.store.Touch(ctx, d.Fingerprint, userID, e.now())
	if err != nil {
		return e.unavailable("device.CheckAccess", d.Fingerprint, err)
	}

	dec := Decision{Allowed: true, Device: touched}
	e.metrics.AccessDecision(dec.Outcome())
	return dec, nil
}

func (e *Engine) unavailable(op, fp string, err error) (Decision, error) {
	e.metrics.AccessDecision("unavailable")
	e.log.Error("device.access.store_unavailable", "fingerprint", fp, "err", err)
	if identity.IsInvalidInput(err) {
		return Decision{}, err
	}
	return Decision{}, &StoreUnavailableError{Op: op, Err: err}
}

// List returns every registered device, oldest first.
func (e *Engine) List(ctx context.Context, actor identity.Principal) ([]Device, error) {
	if err := requireAdmin("device.List", actor); err != nil {
		return nil, err
	}
	out, err := e.store.List(ctx)
	return out, storeErr("device.List", err)
}

// Activate approves a device.
func (e *Engine) Activate(ctx context.Context, actor identity.Principal, fingerprint string) (Device, error) {
	return e.setActive(ctx, "device.Activate", actor, fingerprint, true)
}

// Deactivate revokes a device's access.
func (e *Engine) Deactivate(ctx context.Context, actor identity.Principal, fingerprint string) (Device, error) {
	return e.setActive(ctx, "device.Deactivate", actor, fingerprint, false)
}

func (e *Engine) setActive(ctx context.Context, op string, actor identity.Principal, fingerprint string, active bool) (Device, error) {
	if err := requireAdmin(op, actor); err != nil {
		return Device{}, err
	}
	fp, err := normalizeFingerprint(op, fingerprint)
	if err != nil {
		return Device{}, err
	}

	d, err := e.store.SetActive(ctx, fp, active)
	if err != nil {
		return Device{}, storeErr(op, err)
	}
	e.log.Info("device.active.set", "fingerprint", fp, "active", active, "actor", actor.UserID)
	return d, nil
}

// AssignSlot sets (or clears, when slot is nil) the station number of a device.
func (e *Engine) AssignSlot(ctx context.Context, actor identity.Principal, fingerprint string, slot *int) (Device, error) {
	const op = "device.AssignSlot"
	if err := requireAdmin(op, actor); err != nil {
		return Device{}, err
	}
	return e.assignSlot(ctx, op, fingerprint, slot)
}

// SelfAssignSlot lets an approved tablet record which station it sits at.
func (e *Engine) SelfAssignSlot(ctx context.Context, fingerprint string, slot int) (Device, error) {
	const op = "device.SelfAssignSlot"

	fp, err := normalizeFingerprint(op, fingerprint)
	if err != nil {
		return Device{}, err
	}
	d, err := e.store.Get(ctx, fp)
	if err != nil {
		return Device{}, storeErr(op, err)
	}
	if !d.Active {
		return Device{}, &AccessDeniedError{Fingerprint: fp, Reason: ReasonNotAuthorized}
	}
	return e.assignSlot(ctx, op, fp, &slot)
}

func (e *Engine) assignSlot(ctx context.Context, op, fingerprint string, slot *int) (Device, error) {
	fp, err := normalizeFingerprint(op, fingerprint)
	if err != nil {
		return Device{}, err
	}
	if slot != nil && (*slot < 1 || *slot > e.slotCount) {
		return Device{}, identity.Invalid(op, "slot out of range")
	}

	d, err := e.store.AssignSlot(ctx, fp, slot)
	if err != nil {
		return Device{}, storeErr(op, err)
	}
	e.log.Info("device.slot.assigned", "fingerprint", fp, "slot", slot)
	return d, nil
}

// Rename sets the display name shown on the admin console.
func (e *Engine) Rename(ctx context.Context, actor identity.Principal, fingerprint, name string) (Device, error) {
	const op = "device.Rename"
	if err := requireAdmin(op, actor); err != nil {
		return Device{}, err
	}
	fp, err := normalizeFingerprint(op, fingerprint)
	if err != nil {
		return Device{}, err
	}

	d, err := e.store.Rename(ctx, fp, identity.NormalizeLabel(name))
	return d, storeErr(op, err)
}

func requireAdmin(op string, actor identity.Principal) error {
	if actor.IsAdmin() {
		return nil
	}
	return identity.OpError{Op: op, Kind: identity.ErrForbidden, Msg: "administrator role required"}
}

func normalizeFingerprint(op, fp string) (string, error) {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return "", identity.Invalid(op, "empty fingerprint")
	}
	if len(fp) > MaxFingerprintLen {
		return "", identity.Invalid(op, "fingerprint too long")
	}
	return fp, nil
}
