// Package app wires the tasting server runtime: config, logging, stores,
// HTTP routes and the presence gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tasting/cmd/identity"
	"tasting/cmd/internal/api"
	"tasting/cmd/internal/auth/token"
	"tasting/cmd/internal/device"
	"tasting/cmd/internal/metrics"
	"tasting/cmd/internal/migrations"
	"tasting/cmd/internal/presence"
	"tasting/cmd/internal/slot"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App owns the server's long-lived dependencies.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	metrics *metrics.Metrics
	tokens  *token.Manager
	devices *device.Engine
	slots   *slot.Service
	broker  *presence.Broker
	ws      *presence.WSGateway
	api     *api.Handler
}

// New connects the configured backends and wires every component. The
// caller must Close the App when Run is not used.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(nil, cfg.Log.Level, cfg.Log.Format)
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.tokens, err = token.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("%w (generate one with `tasting token keygen`)", err)
	}

	if cfg.Database.URL != "" {
		a.pool, err = NewDBPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled", "schema", cfg.Database.Schema)
		if cfg.Database.AutoMigrate {
			if err := migrateUp(ctx, a.pool, cfg.Database.Schema, log); err != nil {
				return nil, err
			}
		}
	} else {
		log.Info("db.disabled.inmemory_registry")
	}

	roles, deviceStore, auditor, err := a.registry()
	if err != nil {
		return nil, err
	}
	slotStore, err := a.slotStore(ctx)
	if err != nil {
		return nil, err
	}

	a.devices = device.NewEngine(deviceStore, log,
		device.WithMetrics(a.metrics),
		device.WithSlotCount(cfg.Slot.Count),
	)
	a.slots, err = slot.NewService(slotStore, log, slot.Config{
		Layout:     cfg.Slot.Layout(),
		StaleAfter: cfg.Slot.StaleAfter,
	}, slot.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	auth := token.NewAuthenticator(a.tokens, roles)
	a.broker = presence.NewBroker(log,
		presence.WithQueueSize(cfg.WS.FeedQueue),
		presence.WithMetrics(a.metrics),
	)
	a.ws = presence.NewWSGateway(log, a.broker, a.slots, auth, cfg.WS.Gateway())

	a.api, err = api.NewHandler(log, cfg.API, a.devices, a.slots, auth,
		api.WithAuditor(auditor),
		api.WithHeartbeatInterval(cfg.Slot.HeartbeatInterval),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) registry() (identity.RoleStore, device.Store, api.Auditor, error) {
	if a.pool == nil {
		roles := identity.NewMemoryRoleStore()
		return roles, device.NewMemoryStore(roles), api.LogAuditor{Log: a.log}, nil
	}

	schema := a.cfg.Database.Schema
	roles, err := identity.NewPostgresRoleStore(a.pool, identity.WithSchema(schema))
	if err != nil {
		return nil, nil, nil, err
	}
	devices, err := device.NewPostgresStore(a.pool, roles, device.WithSchema(schema))
	if err != nil {
		return nil, nil, nil, err
	}
	auditor, err := api.NewPostgresAuditor(a.pool, schema, a.log)
	if err != nil {
		return nil, nil, nil, err
	}
	return roles, devices, auditor, nil
}

func (a *App) slotStore(ctx context.Context) (slot.Store, error) {
	switch a.cfg.Slot.Store {
	case StorePostgres:
		if a.pool == nil {
			return nil, errors.New("slot.store=postgres requires database.url")
		}
		return slot.NewPostgresStore(a.pool,
			slot.WithSchema(a.cfg.Database.Schema),
			slot.WithLogger(a.log),
		)
	case StoreRedis:
		client, err := NewRedisClient(ctx, a.cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.log.Info("redis.enabled", "addr", a.cfg.Redis.Addr, "prefix", a.cfg.Redis.KeyPrefix)
		return slot.NewRedisStore(client,
			slot.WithKeyPrefix(a.cfg.Redis.KeyPrefix),
			slot.WithRedisLogger(a.log),
		)
	default:
		return slot.NewMemoryStore(), nil
	}
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(mux, a.log)
}

// Run starts the feed, the background workers and the HTTP server, and
// blocks until ctx is cancelled or the server fails. It closes the App.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	workCtx, stopWork := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.broker.Run(workCtx, a.slots.Store()); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("presence.feed.stop", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		slot.RunSweeper(workCtx, a.slots, a.cfg.Slot.SweepInterval, a.log)
	}()
	presence.TrackOccupancy(workCtx, a.broker, a.slots, a.metrics, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
	}

	layout := a.slots.Layout()
	a.log.Info("server.start",
		"addr", a.cfg.HTTP.Addr,
		"slot_store", a.cfg.Slot.Store,
		"db_enabled", a.pool != nil,
		"slots", layout.Slots,
		"group_size", layout.GroupSize,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	stopWork()
	wg.Wait()

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the database pool and Redis client.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func migrateUp(ctx context.Context, pool *pgxpool.Pool, schema string, log Logger) error {
	r, err := migrations.NewRunner(ctx, pool, schema)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	applied, err := r.Up(ctx)
	if err != nil {
		return err
	}
	log.Info("db.migrate.up", "schema", schema, "applied", applied)
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
