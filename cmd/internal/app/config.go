package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tasting/cmd/identity"
	"tasting/cmd/internal/api"
	"tasting/cmd/internal/auth/token"
	"tasting/cmd/internal/presence"
	"tasting/cmd/internal/slot"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override (TASTING_HTTP_ADDR, ...).
const EnvPrefix = "TASTING"

// Slot store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the full runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Slot      SlotConfig      `mapstructure:"slot"`
	Auth      token.Config    `mapstructure:"auth"`
	API       api.Config      `mapstructure:"api"`
	WS        WSConfig        `mapstructure:"ws"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json", "pretty" or "auto" (pretty on a terminal).
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`

	// AutoMigrate applies pending migrations on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type ReadinessConfig struct {
	// RequireDB makes /readyz fail unless the database is configured and reachable.
	RequireDB bool `mapstructure:"require_db"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type SlotConfig struct {
	// Store selects the slot session backend: memory, postgres or redis.
	Store             string        `mapstructure:"store"`
	Count             int           `mapstructure:"count"`
	GroupSize         int           `mapstructure:"group_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// StaleAfter > 0 enables the sweeper; zero keeps sessions until logout or eviction.
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type WSConfig struct {
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
	OriginRequired     bool          `mapstructure:"origin_required"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	HelloTimeout       time.Duration `mapstructure:"hello_timeout"`
	SendQueue          int           `mapstructure:"send_queue"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PingTimeout        time.Duration `mapstructure:"ping_timeout"`
	RateEvents         int           `mapstructure:"rate_events"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
	FeedQueue          int           `mapstructure:"feed_queue"`
}

// Gateway converts the settings to the presence gateway's config.
func (c WSConfig) Gateway() presence.GatewayConfig {
	return presence.GatewayConfig{
		AllowedOrigins:     c.AllowedOrigins,
		OriginRequired:     c.OriginRequired,
		InsecureSkipVerify: c.InsecureSkipVerify,
		WriteTimeout:       c.WriteTimeout,
		HelloTimeout:       c.HelloTimeout,
		SendQueueSize:      c.SendQueue,
		HeartbeatInterval:  c.PingInterval,
		HeartbeatTimeout:   c.PingTimeout,
		RateEvents:         c.RateEvents,
		RateWindow:         c.RateWindow,
	}
}

// Layout returns the station layout.
func (c SlotConfig) Layout() slot.Layout {
	return slot.Layout{Slots: c.Count, GroupSize: c.GroupSize}
}

// NewViper returns a viper instance with defaults and TASTING_* env binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "tasting")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("readiness.require_db", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "tasting")

	v.SetDefault("slot.store", StoreMemory)
	v.SetDefault("slot.count", slot.DefaultLayout.Slots)
	v.SetDefault("slot.group_size", slot.DefaultLayout.GroupSize)
	v.SetDefault("slot.heartbeat_interval", 45*time.Second)
	v.SetDefault("slot.stale_after", time.Duration(0))
	v.SetDefault("slot.sweep_interval", 15*time.Second)

	tok := token.DefaultConfig()
	v.SetDefault("auth.issuer", tok.Issuer)
	v.SetDefault("auth.access_ttl", tok.AccessTokenTTL)
	v.SetDefault("auth.clock_skew", tok.ClockSkew)
	v.SetDefault("auth.paseto_secret_key_hex", "")

	apiCfg := api.DefaultConfig()
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.max_body_bytes", apiCfg.MaxBodyBytes)
	v.SetDefault("api.request_timeout", apiCfg.RequestTimeout)

	gw := presence.DefaultGatewayConfig()
	v.SetDefault("ws.allowed_origins", gw.AllowedOrigins)
	v.SetDefault("ws.origin_required", gw.OriginRequired)
	v.SetDefault("ws.insecure_skip_verify", false)
	v.SetDefault("ws.write_timeout", gw.WriteTimeout)
	v.SetDefault("ws.hello_timeout", gw.HelloTimeout)
	v.SetDefault("ws.send_queue", gw.SendQueueSize)
	v.SetDefault("ws.ping_interval", gw.HeartbeatInterval)
	v.SetDefault("ws.ping_timeout", gw.HeartbeatTimeout)
	v.SetDefault("ws.rate_events", gw.RateEvents)
	v.SetDefault("ws.rate_window", gw.RateWindow)
	v.SetDefault("ws.feed_queue", 256)
}

// LoadConfig reads the optional YAML file at path, applies env overrides and
// validates the result.
func LoadConfig(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Slot.Store = strings.ToLower(strings.TrimSpace(cfg.Slot.Store))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings. The signing key is checked where
// the token manager is built, so commands that never verify tokens still run.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Log.Format {
	case "", "auto", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of auto, json, pretty", c.Log.Format))
	}
	if err := c.Slot.Layout().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Slot.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("slot.heartbeat_interval must be positive"))
	}
	if c.Slot.StaleAfter < 0 {
		errs = append(errs, errors.New("slot.stale_after must not be negative"))
	}
	if c.Slot.StaleAfter > 0 && c.Slot.StaleAfter <= c.Slot.HeartbeatInterval {
		errs = append(errs, errors.New("slot.stale_after must exceed slot.heartbeat_interval"))
	}

	switch c.Slot.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("slot.store=postgres requires database.url"))
		}
	case StoreRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("slot.store=redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("slot.store %q is not one of memory, postgres, redis", c.Slot.Store))
	}

	if c.Database.URL != "" && !identity.IsValidPGIdent(c.Database.Schema) {
		errs = append(errs, fmt.Errorf("database.schema %q is not a valid identifier", c.Database.Schema))
	}
	if c.Database.MinConns < 0 || (c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns) {
		errs = append(errs, errors.New("database.min_conns must be within 0..max_conns"))
	}
	if c.Readiness.RequireDB && c.Database.URL == "" {
		errs = append(errs, errors.New("readiness.require_db requires database.url"))
	}

	return errors.Join(errs...)
}
