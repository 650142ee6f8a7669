package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tasting/cmd/identity"
	"tasting/cmd/internal/auth/token"
	"tasting/cmd/internal/device"
	"tasting/cmd/internal/slot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// staticAuth maps fixed tokens to principals and resolves the stored role
// like the real authenticator does.
type staticAuth struct {
	roles  identity.RoleStore
	tokens map[string]identity.Principal
}

func (a staticAuth) Authenticate(ctx context.Context, raw string) (identity.Principal, error) {
	p, ok := a.tokens[raw]
	if !ok {
		return identity.Principal{}, token.ErrInvalidToken
	}
	return identity.ResolvePrincipal(ctx, a.roles, p)
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAuditor) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type testEnv struct {
	srv   *httptest.Server
	slots *slot.Service
	audit *recordingAuditor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	roles := identity.NewMemoryRoleStore()
	devices := device.NewEngine(device.NewMemoryStore(roles), quietLog())
	slots, err := slot.NewService(slot.NewMemoryStore(), quietLog(), slot.Config{})
	require.NoError(t, err)

	auth := staticAuth{roles: roles, tokens: map[string]identity.Principal{
		"tok-alice": {UserID: "alice", Name: "Alice", Role: identity.RoleTaster},
		"tok-bob":   {UserID: "bob", Name: "Bob", Role: identity.RoleTaster},
		"tok-carol": {UserID: "carol", Role: identity.RoleTaster},
	}}
	audit := &recordingAuditor{}

	h, err := NewHandler(quietLog(), Config{}, devices, slots, auth, WithAuditor(audit))
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, slots: slots, audit: audit}
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// bootstrap makes alice an admin with an approved tablet "fp-alice".
func (e *testEnv) bootstrap(t *testing.T) {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/devices/access", "tok-alice", map[string]any{"fingerprint": "fp-alice"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["bootstrapped"])
}

func TestRequiresBearerToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/slots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(body))

	status, _ = env.do(t, http.MethodGet, "/slots", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAccess_BootstrapThenPending(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.bootstrap(t)

	status, body := env.do(t, http.MethodPost, "/devices/access", "tok-bob", map[string]any{"fingerprint": "fp-bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, string(device.ReasonPendingApproval), body["reason"])
	assert.Equal(t, false, body["bootstrapped"])

	assert.Equal(t, []string{"device.bootstrap"}, env.audit.actions())
}

func TestAccess_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/devices/access", "tok-alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", errorCode(body))

	status, body = env.do(t, http.MethodPost, "/devices/access", "tok-alice", map[string]any{"fingerprint": "x", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_json", errorCode(body))
}

func TestAdminDevices(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.bootstrap(t)
	env.do(t, http.MethodPost, "/devices/access", "tok-bob", map[string]any{"fingerprint": "fp-bob"})

	status, body := env.do(t, http.MethodGet, "/admin/devices", "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))

	status, body = env.do(t, http.MethodGet, "/admin/devices", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["devices"], 2)

	status, body = env.do(t, http.MethodPost, "/admin/devices/fp-bob/activate", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["active"])

	status, body = env.do(t, http.MethodPost, "/admin/devices/fp-bob/assign", "tok-alice", map[string]any{"slot": 7})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 7, body["assigned_slot"])

	status, body = env.do(t, http.MethodPost, "/admin/devices/fp-bob/assign", "tok-alice", map[string]any{"slot": 99})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", errorCode(body))

	status, body = env.do(t, http.MethodPost, "/admin/devices/fp-bob/rename", "tok-alice", map[string]any{"name": "Table 7"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Table 7", body["display_name"])

	status, _ = env.do(t, http.MethodPost, "/admin/devices/fp-missing/activate", "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, status)

	assert.Equal(t, []string{"device.bootstrap", "device.activate", "device.assign", "device.rename"}, env.audit.actions())
}

func TestSelfAssign(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.bootstrap(t)

	status, body := env.do(t, http.MethodPost, "/devices/slot", "tok-alice", map[string]any{"fingerprint": "fp-alice", "slot": 3})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["assigned_slot"])

	env.do(t, http.MethodPost, "/devices/access", "tok-bob", map[string]any{"fingerprint": "fp-bob"})
	status, body = env.do(t, http.MethodPost, "/devices/slot", "tok-bob", map[string]any{"fingerprint": "fp-bob", "slot": 4})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "access_denied", errorCode(body))
}

func TestSlotLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.bootstrap(t)

	status, body := env.do(t, http.MethodPost, "/slots/6/login", "tok-alice", map[string]any{
		"fingerprint": "fp-alice",
		"client_info": map[string]string{"app": "station"},
	})
	require.Equal(t, http.StatusOK, status)
	sess := body["session"].(map[string]any)
	lease, _ := sess["lease_id"].(string)
	require.NotEmpty(t, lease)
	assert.Equal(t, "Alice", sess["operator_name"])
	pos := body["position"].(map[string]any)
	assert.EqualValues(t, 2, pos["group"])
	assert.EqualValues(t, 1, pos["position"])
	assert.Equal(t, true, pos["chair"])
	assert.Equal(t, "45s", body["heartbeat_interval"])

	status, body = env.do(t, http.MethodGet, "/slots/6", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["occupied"])
	occupant := body["session"].(map[string]any)
	_, leaked := occupant["lease_id"]
	assert.False(t, leaked)

	status, body = env.do(t, http.MethodGet, "/slots", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 25, body["slots"])
	cells := body["cells"].([]any)
	require.Len(t, cells, 25)
	assert.NotNil(t, cells[5].(map[string]any)["session"])
	assert.Nil(t, cells[0].(map[string]any)["session"])

	status, body = env.do(t, http.MethodPost, "/slots/6/heartbeat", "tok-alice", map[string]any{"lease_id": lease})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["held"])

	status, body = env.do(t, http.MethodPost, "/slots/6/logout", "tok-alice", map[string]any{"lease_id": lease})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["released"])

	ok, err := env.slots.IsOccupied(context.Background(), 6)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"device.bootstrap", "slot.login", "slot.logout"}, env.audit.actions())
}

func TestLogin_DeniedDeviceNeverLeases(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.bootstrap(t)

	status, body := env.do(t, http.MethodPost, "/slots/2/login", "tok-bob", map[string]any{"fingerprint": "fp-bob"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "access_denied", errorCode(body))
	e := body["error"].(map[string]any)
	assert.Equal(t, string(device.ReasonPendingApproval), e["message"])

	ok, err := env.slots.IsOccupied(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogin_RequireFreeConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.bootstrap(t)
	env.do(t, http.MethodPost, "/devices/access", "tok-carol", map[string]any{"fingerprint": "fp-carol"})
	env.do(t, http.MethodPost, "/admin/devices/fp-carol/activate", "tok-alice", nil)

	status, _ := env.do(t, http.MethodPost, "/slots/3/login", "tok-alice", map[string]any{"fingerprint": "fp-alice"})
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodPost, "/slots/3/login", "tok-carol", map[string]any{"fingerprint": "fp-carol", "require_free": true})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "slot_occupied", errorCode(body))

	// without require_free the later login pre-empts; the name falls back to the user id
	status, body = env.do(t, http.MethodPost, "/slots/3/login", "tok-carol", map[string]any{"fingerprint": "fp-carol"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "carol", body["session"].(map[string]any)["operator_name"])

	active, err := env.slots.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "carol", active[0].OperatorID)
}

func TestEvict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.bootstrap(t)
	env.do(t, http.MethodPost, "/devices/access", "tok-bob", map[string]any{"fingerprint": "fp-bob"})
	env.do(t, http.MethodPost, "/admin/devices/fp-bob/activate", "tok-alice", nil)

	status, body := env.do(t, http.MethodPost, "/slots/9/login", "tok-bob", map[string]any{"fingerprint": "fp-bob"})
	require.Equal(t, http.StatusOK, status)
	lease := body["session"].(map[string]any)["lease_id"].(string)

	status, body = env.do(t, http.MethodPost, "/admin/slots/9/evict", "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))

	status, body = env.do(t, http.MethodPost, "/admin/slots/9/evict", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["evicted"])

	status, body = env.do(t, http.MethodPost, "/slots/9/heartbeat", "tok-bob", map[string]any{"lease_id": lease})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["held"])
}

func TestSlotPathValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, path := range []string{"/slots/abc", "/slots/0", "/slots/26"} {
		status, body := env.do(t, http.MethodGet, path, "tok-alice", nil)
		assert.Equal(t, http.StatusBadRequest, status, path)
		assert.Equal(t, "invalid_request", errorCode(body), path)
	}

	status, _ := env.do(t, http.MethodPost, "/slots/1/heartbeat", "tok-alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	assert.Equal(t, "10.0.0.1", clientIP(r, false).String())
	assert.Equal(t, "203.0.113.5", clientIP(r, true).String())
}
