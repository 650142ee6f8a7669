package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tasting/cmd/internal/device"
	"tasting/cmd/internal/slot"

	"github.com/go-playground/validator/v10"
)

// Handler wires the device and slot services to HTTP.
type Handler struct {
	log *slog.Logger
	cfg Config

	devices *device.Engine
	slots   *slot.Service
	auth    Authenticator
	audit   Auditor

	validate          *validator.Validate
	heartbeatInterval time.Duration
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAuditor overrides the default log-only auditor.
func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.audit = a
		}
	}
}

// WithHeartbeatInterval sets the interval advertised to stations on login.
func WithHeartbeatInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

// NewHandler constructs a Handler. devices, slots and auth are required.
func NewHandler(log *slog.Logger, cfg Config, devices *device.Engine, slots *slot.Service, auth Authenticator, opts ...HandlerOption) (*Handler, error) {
	if devices == nil || slots == nil {
		return nil, errors.New("api: nil service")
	}
	if auth == nil {
		return nil, errors.New("api: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:               log,
		cfg:               cfg.withDefaults(),
		devices:           devices,
		slots:             slots,
		auth:              auth,
		audit:             LogAuditor{Log: log},
		validate:          newValidator(),
		heartbeatInterval: 45 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("POST /devices/access", h.authenticated(h.handleAccess))
	mux.Handle("POST /devices/slot", h.authenticated(h.handleSelfAssign))

	mux.Handle("GET /admin/devices", h.authenticated(h.handleListDevices))
	mux.Handle("POST /admin/devices/{fingerprint}/activate", h.authenticated(h.handleActivate))
	mux.Handle("POST /admin/devices/{fingerprint}/deactivate", h.authenticated(h.handleDeactivate))
	mux.Handle("POST /admin/devices/{fingerprint}/assign", h.authenticated(h.handleAssign))
	mux.Handle("POST /admin/devices/{fingerprint}/rename", h.authenticated(h.handleRename))

	mux.Handle("GET /slots", h.authenticated(h.handleGrid))
	mux.Handle("GET /slots/{slot}", h.authenticated(h.handleSlot))
	mux.Handle("POST /slots/{slot}/login", h.authenticated(h.handleLogin))
	mux.Handle("POST /slots/{slot}/heartbeat", h.authenticated(h.handleHeartbeat))
	mux.Handle("POST /slots/{slot}/logout", h.authenticated(h.handleLogout))
	mux.Handle("POST /admin/slots/{slot}/evict", h.authenticated(h.handleEvict))
}

// ---- devices ----

func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	p := principal(r)

	dec, err := h.devices.CheckAccess(r.Context(), req.Fingerprint, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if dec.Bootstrapped {
		h.record(r, "device.bootstrap", dec.Device.Fingerprint, nil)
	}
	writeJSON(w, http.StatusOK, accessResponse{
		Allowed:      dec.Allowed,
		Reason:       string(dec.Reason),
		Bootstrapped: dec.Bootstrapped,
		Device:       toDeviceResponse(dec.Device),
	})
}

func (h *Handler) handleSelfAssign(w http.ResponseWriter, r *http.Request) {
	var req selfAssignRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	d, err := h.devices.SelfAssignSlot(r.Context(), req.Fingerprint, req.Slot)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.record(r, "device.self_assign", d.Fingerprint, map[string]any{"slot": req.Slot})
	writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := h.devices.List(r.Context(), principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]deviceResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	d, err := h.devices.Activate(r.Context(), principal(r), r.PathValue("fingerprint"))
	h.deviceResult(w, r, "device.activate", d, err, nil)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	d, err := h.devices.Deactivate(r.Context(), principal(r), r.PathValue("fingerprint"))
	h.deviceResult(w, r, "device.deactivate", d, err, nil)
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !h.bind(w, r, &req, true) {
		return
	}
	d, err := h.devices.AssignSlot(r.Context(), principal(r), r.PathValue("fingerprint"), req.Slot)
	h.deviceResult(w, r, "device.assign", d, err, map[string]any{"slot": req.Slot})
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	d, err := h.devices.Rename(r.Context(), principal(r), r.PathValue("fingerprint"), req.Name)
	h.deviceResult(w, r, "device.rename", d, err, map[string]any{"name": d.DisplayName})
}

func (h *Handler) deviceResult(w http.ResponseWriter, r *http.Request, action string, d device.Device, err error, meta map[string]any) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.record(r, action, d.Fingerprint, meta)
	writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

// ---- slots ----

func (h *Handler) handleGrid(w http.ResponseWriter, r *http.Request) {
	cells, err := h.slots.Grid(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	layout := h.slots.Layout()
	out := gridResponse{Slots: layout.Slots, GroupSize: layout.GroupSize, Cells: make([]cellResponse, 0, len(cells))}
	for _, c := range cells {
		cell := cellResponse{Position: c.Position}
		if c.Session != nil {
			s := toSessionResponse(*c.Session)
			cell.Session = &s
		}
		out.Cells = append(out.Cells, cell)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.slotID(w, r)
	if !ok {
		return
	}
	sess, held, err := h.slots.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := slotResponse{Position: h.slots.Place(id), Occupied: held}
	if held {
		s := toSessionResponse(sess)
		out.Session = &s
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	id, ok := h.slotID(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	ctx := r.Context()
	p := principal(r)

	dec, err := h.devices.CheckAccess(ctx, req.Fingerprint, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if dec.Bootstrapped {
		h.record(r, "device.bootstrap", dec.Device.Fingerprint, nil)
	}
	if err := dec.Err(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	name := p.Name
	if strings.TrimSpace(name) == "" {
		name = p.UserID
	}
	sess, err := h.slots.Login(ctx, slot.LoginInput{
		SlotID:       id,
		OperatorID:   p.UserID,
		OperatorName: name,
		OperatorRole: p.Role,
		ClientInfo:   req.ClientInfo,
		RequireFree:  req.RequireFree,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.record(r, "slot.login", strconv.Itoa(id), map[string]any{"fingerprint": dec.Device.Fingerprint})
	resp := toSessionResponse(sess)
	resp.LeaseID = sess.LeaseID
	writeJSON(w, http.StatusOK, loginResponse{
		Session:           resp,
		Position:          h.slots.Place(id),
		HeartbeatInterval: h.heartbeatInterval.String(),
	})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.slotID(w, r)
	if !ok {
		return
	}
	var req leaseRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	held, err := h.slots.Heartbeat(r.Context(), id, req.LeaseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"held": held})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.slotID(w, r)
	if !ok {
		return
	}
	var req leaseRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	released, err := h.slots.Logout(r.Context(), id, req.LeaseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if released {
		h.record(r, "slot.logout", strconv.Itoa(id), nil)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (h *Handler) handleEvict(w http.ResponseWriter, r *http.Request) {
	id, ok := h.slotID(w, r)
	if !ok {
		return
	}
	evicted, err := h.slots.ForceEvict(r.Context(), principal(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.record(r, "slot.evict", strconv.Itoa(id), map[string]any{"evicted": evicted})
	writeJSON(w, http.StatusOK, map[string]bool{"evicted": evicted})
}

// ---- helpers ----

func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst, allowEmpty); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func (h *Handler) slotID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "slot must be a number")
		return 0, false
	}
	if err := h.slots.Layout().Check(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return 0, false
	}
	return id, true
}

func (h *Handler) record(r *http.Request, action, subject string, meta map[string]any) {
	h.audit.Record(r.Context(), AuditEntry{
		Action:    action,
		ActorID:   principal(r).UserID,
		Subject:   subject,
		IP:        clientIP(r, h.cfg.TrustProxy),
		UserAgent: strings.TrimSpace(r.UserAgent()),
		Meta:      meta,
	})
}
