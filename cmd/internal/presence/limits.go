package presence

import "time"

// Connection limits.
const (
	// Max bytes per websocket frame read. Clients only send hello and
	// snapshot requests.
	maxFrameBytes = 16 << 10

	maxPingFailures = 3
	closeGrace      = time.Second
	minSendQueue    = 32
)

// GatewayConfig tunes the WebSocket gateway.
type GatewayConfig struct {
	// AllowedOrigins lists full origins ("https://console.example") or bare
	// hosts. "*" allows any origin.
	AllowedOrigins []string
	OriginRequired bool

	// InsecureSkipVerify disables websocket.Accept's own origin check (dev only).
	InsecureSkipVerify bool

	WriteTimeout      time.Duration
	HelloTimeout      time.Duration
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Per-connection inbound rate limit (events per window).
	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig allows localhost origins only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		WriteTimeout:      5 * time.Second,
		HelloTimeout:      10 * time.Second,
		SendQueueSize:     256,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		RateEvents:        30,
		RateWindow:        10 * time.Second,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = def.HelloTimeout
	}
	if c.SendQueueSize < minSendQueue {
		c.SendQueueSize = minSendQueue
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}
