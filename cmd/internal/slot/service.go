package slot

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"tasting/cmd/identity"
	"tasting/cmd/identity/ids"
	"tasting/cmd/internal/metrics"
)

const (
	// MaxClientInfoKeys and MaxClientInfoBytes bound client_info so a session
	// row always fits in a single change notification.
	MaxClientInfoKeys  = 16
	MaxClientInfoBytes = 2048
)

// Config tunes the lifecycle manager.
type Config struct {
	Layout Layout

	// StaleAfter enables Sweep: sessions without a heartbeat for this long are
	// removed. Zero disables it and sessions end only by logout or eviction.
	StaleAfter time.Duration
}

// Service is the session lifecycle manager.
type Service struct {
	store   Store
	layout  Layout
	stale   time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithMetrics records logins and releases on m.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService validates cfg and builds a Service over store.
func NewService(store Store, log *slog.Logger, cfg Config, opts ...ServiceOption) (*Service, error) {
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:  store,
		layout: cfg.Layout,
		stale:  cfg.StaleAfter,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Layout returns the configured station layout.
func (s *Service) Layout() Layout { return s.layout }

// Store exposes the registry (the presence feed watches it).
func (s *Service) Store() Store { return s.store }

// LoginInput describes a slot claim.
type LoginInput struct {
	SlotID       int
	OperatorID   string
	OperatorName string
	OperatorRole identity.Role
	ClientInfo   map[string]string

	// RequireFree rejects the login with *SlotConflictError when the slot is
	// held. The check precedes the write, so a concurrent login can still
	// pre-empt; the later writer then owns the slot.
	RequireFree bool
}

// Login leases the slot to the operator and returns the new session.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	const op = "slot.Login"

	if err := s.layout.Check(in.SlotID); err != nil {
		return Session{}, err
	}
	operatorID := identity.NormalizeUserID(in.OperatorID)
	if operatorID == "" {
		return Session{}, identity.Invalid(op, "operator id required")
	}
	name := identity.NormalizeLabel(in.OperatorName)
	if name == "" {
		return Session{}, identity.Invalid(op, "operator name required")
	}
	if !in.OperatorRole.Valid() {
		return Session{}, identity.Invalid(op, "unknown operator role")
	}
	info, err := normalizeClientInfo(in.ClientInfo)
	if err != nil {
		return Session{}, err
	}

	if in.RequireFree {
		holder, ok, err := s.store.Get(ctx, in.SlotID)
		if err != nil {
			return Session{}, unavailable(op, err)
		}
		if ok {
			return Session{}, &SlotConflictError{SlotID: in.SlotID, Holder: holder}
		}
	}

	now := s.now()
	lease, err := ids.NewULID(now)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		SlotID:        in.SlotID,
		LeaseID:       lease,
		OperatorID:    operatorID,
		OperatorName:  name,
		OperatorRole:  in.OperatorRole,
		ClientInfo:    info,
		StartedAt:     now,
		LastHeartbeat: now,
	}

	prev, err := s.store.Upsert(ctx, sess)
	if err != nil {
		return Session{}, unavailable(op, err)
	}

	s.metrics.SlotLogin()
	if prev != nil && prev.LeaseID != sess.LeaseID {
		s.metrics.SlotRelease("preempted")
		s.log.Warn("slot.login.preempted",
			"slot", in.SlotID,
			"operator_id", operatorID,
			"previous_operator_id", prev.OperatorID,
		)
	}
	s.log.Info("slot.login", "slot", in.SlotID, "operator_id", operatorID, "role", in.OperatorRole, "lease_id", lease)
	return sess, nil
}

// Heartbeat refreshes the lease. It reports false, without error, when the
// slot is free or now carries someone else's lease: the caller has lost the slot.
func (s *Service) Heartbeat(ctx context.Context, slotID int, leaseID string) (bool, error) {
	const op = "slot.Heartbeat"

	if err := s.layout.Check(slotID); err != nil {
		return false, err
	}
	if strings.TrimSpace(leaseID) == "" {
		return false, identity.Invalid(op, "lease id required")
	}

	ok, err := s.store.Touch(ctx, slotID, leaseID, s.now())
	if err != nil {
		return false, unavailable(op, err)
	}
	if !ok {
		s.log.Info("slot.heartbeat.lost", "slot", slotID, "lease_id", leaseID)
	}
	return ok, nil
}

// Logout releases the slot if it is still held under leaseID.
func (s *Service) Logout(ctx context.Context, slotID int, leaseID string) (bool, error) {
	const op = "slot.Logout"

	if err := s.layout.Check(slotID); err != nil {
		return false, err
	}
	if strings.TrimSpace(leaseID) == "" {
		return false, identity.Invalid(op, "lease id required")
	}

	sess, ok, err := s.store.Delete(ctx, slotID, leaseID)
	if err != nil {
		return false, unavailable(op, err)
	}
	if ok {
		s.metrics.SlotRelease("logout")
		s.log.Info("slot.logout", "slot", slotID, "operator_id", sess.OperatorID)
	}
	return ok, nil
}

// ForceEvict removes whoever holds the slot. Only admin-capable principals may
// evict; the check happens before the store is touched.
func (s *Service) ForceEvict(ctx context.Context, actor identity.Principal, slotID int) (bool, error) {
	const op = "slot.ForceEvict"

	if !actor.IsAdmin() {
		s.log.Warn("slot.evict.denied", "slot", slotID, "actor", actor.UserID, "role", actor.Role)
		return false, ErrEvictionNotAuthorized
	}
	if err := s.layout.Check(slotID); err != nil {
		return false, err
	}

	sess, ok, err := s.store.Delete(ctx, slotID, "")
	if err != nil {
		return false, unavailable(op, err)
	}
	if ok {
		s.metrics.SlotRelease("evict")
		s.log.Warn("slot.evict", "slot", slotID, "operator_id", sess.OperatorID, "actor", actor.UserID)
	}
	return ok, nil
}

// ListActive returns all sessions ordered by slot id.
func (s *Service) ListActive(ctx context.Context) ([]Session, error) {
	out, err := s.store.List(ctx)
	if err != nil {
		return nil, unavailable("slot.ListActive", err)
	}
	return out, nil
}

// IsOccupied reports whether a session exists for slotID. A store failure is
// an error, never "free".
func (s *Service) IsOccupied(ctx context.Context, slotID int) (bool, error) {
	_, ok, err := s.Get(ctx, slotID)
	return ok, err
}

// Get returns the slot's session, if any.
func (s *Service) Get(ctx context.Context, slotID int) (Session, bool, error) {
	if err := s.layout.Check(slotID); err != nil {
		return Session{}, false, err
	}
	sess, ok, err := s.store.Get(ctx, slotID)
	if err != nil {
		return Session{}, false, unavailable("slot.Get", err)
	}
	return sess, ok, nil
}

// Grid returns every station of the layout with its occupant.
func (s *Service) Grid(ctx context.Context) ([]Cell, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	bySlot := make(map[int]Session, len(active))
	for _, sess := range active {
		bySlot[sess.SlotID] = sess
	}

	cells := make([]Cell, 0, s.layout.Slots)
	for id := 1; id <= s.layout.Slots; id++ {
		c := Cell{Position: s.layout.place(id)}
		if sess, ok := bySlot[id]; ok {
			c.Session = &sess
		}
		cells = append(cells, c)
	}
	return cells, nil
}

// Place returns the derived panel position of slotID.
func (s *Service) Place(slotID int) Position { return s.layout.place(slotID) }

// Sweep removes sessions whose heartbeat is older than StaleAfter. It is a
// no-op when StaleAfter is zero.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if s.stale <= 0 {
		return 0, nil
	}
	removed, err := s.store.DeleteStale(ctx, s.now().Add(-s.stale))
	if err != nil {
		return 0, unavailable("slot.Sweep", err)
	}
	for _, sess := range removed {
		s.metrics.SlotRelease("stale")
		s.log.Warn("slot.sweep.removed", "slot", sess.SlotID, "operator_id", sess.OperatorID, "last_heartbeat", sess.LastHeartbeat)
	}
	return len(removed), nil
}

func normalizeClientInfo(in map[string]string) (map[string]string, error) {
	const op = "slot.Login"
	if len(in) == 0 {
		return map[string]string{}, nil
	}
	if len(in) > MaxClientInfoKeys {
		return nil, identity.Invalid(op, "too many client_info keys")
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, identity.Invalid(op, "empty client_info key")
		}
		out[k] = strings.TrimSpace(v)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, identity.Invalid(op, "client_info not encodable")
	}
	if len(b) > MaxClientInfoBytes {
		return nil, identity.Invalid(op, "client_info too large")
	}
	return out, nil
}
