package station

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("station: server returned %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("station: server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying the same request later may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Client talks to the tasting HTTP API with a bearer token.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *slog.Logger
	now   func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient validates baseURL (http or https, no query) and builds a client.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("station: server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("station: server url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("station: server url has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery, u.Fragment = "", ""

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("station: token required")
	}

	c := &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ---- wire types ----

type Device struct {
	Fingerprint  string `json:"fingerprint"`
	OwningUserID string `json:"owning_user_id"`
	Active       bool   `json:"active"`
	AssignedSlot *int   `json:"assigned_slot"`
	DisplayName  string `json:"display_name"`
}

type AccessDecision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	Bootstrapped bool   `json:"bootstrapped"`
	Device       Device `json:"device"`
}

type Position struct {
	SlotID   int  `json:"slot_id"`
	Group    int  `json:"group"`
	Position int  `json:"position"`
	Chair    bool `json:"chair"`
}

type SessionInfo struct {
	SlotID        int               `json:"slot_id"`
	LeaseID       string            `json:"lease_id"`
	OperatorID    string            `json:"operator_id"`
	OperatorName  string            `json:"operator_name"`
	OperatorRole  string            `json:"operator_role"`
	ClientInfo    map[string]string `json:"client_info"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

type LoginRequest struct {
	Fingerprint string            `json:"fingerprint"`
	ClientInfo  map[string]string `json:"client_info,omitempty"`
	RequireFree bool              `json:"require_free"`
}

type loginResponse struct {
	Session           SessionInfo `json:"session"`
	Position          Position    `json:"position"`
	HeartbeatInterval string      `json:"heartbeat_interval"`
}

type leaseRequest struct {
	LeaseID string `json:"lease_id"`
}

// ---- calls ----

// Access asks whether fingerprint may be used. A denial is a decision, not
// an error.
func (c *Client) Access(ctx context.Context, fingerprint string) (AccessDecision, error) {
	var out AccessDecision
	err := c.do(ctx, http.MethodPost, "/devices/access", map[string]string{"fingerprint": fingerprint}, &out)
	return out, err
}

// SelfAssign binds the device to slot.
func (c *Client) SelfAssign(ctx context.Context, fingerprint string, slot int) (Device, error) {
	var out Device
	err := c.do(ctx, http.MethodPost, "/devices/slot", map[string]any{"fingerprint": fingerprint, "slot": slot}, &out)
	return out, err
}

// Login claims slot and starts heartbeating. The returned session must be
// ended with Logout or by cancelling ctx's parent.
func (c *Client) Login(ctx context.Context, slot int, req LoginRequest) (*Session, error) {
	var out loginResponse
	if err := c.do(ctx, http.MethodPost, slotPath(slot, "login"), req, &out); err != nil {
		return nil, err
	}
	interval, err := time.ParseDuration(out.HeartbeatInterval)
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("station: bad heartbeat interval %q", out.HeartbeatInterval)
	}
	if out.Session.LeaseID == "" {
		return nil, errors.New("station: login response carried no lease")
	}
	s := newSession(c, out.Session, out.Position, interval)
	go s.run()
	c.log.Info("station.login", "slot", slot, "group", out.Position.Group, "position", out.Position.Position, "heartbeat", interval)
	return s, nil
}

func (c *Client) heartbeat(ctx context.Context, slot int, lease string) (bool, error) {
	var out struct {
		Held bool `json:"held"`
	}
	err := c.do(ctx, http.MethodPost, slotPath(slot, "heartbeat"), leaseRequest{LeaseID: lease}, &out)
	return out.Held, err
}

func (c *Client) logout(ctx context.Context, slot int, lease string) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	err := c.do(ctx, http.MethodPost, slotPath(slot, "logout"), leaseRequest{LeaseID: lease}, &out)
	return out.Released, err
}

func slotPath(slot int, action string) string {
	return "/slots/" + strconv.Itoa(slot) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	u := *c.base
	u.Path = c.base.Path + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("station: %s %s: %w", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("station: read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		ae := &APIError{Status: res.StatusCode}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			ae.Code, ae.Message, ae.Details = envelope.Error.Code, envelope.Error.Message, envelope.Error.Details
		}
		if ae.Code == "" {
			ae.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(res.StatusCode), " ", "_"))
		}
		return ae
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("station: decode response: %w", err)
	}
	return nil
}
