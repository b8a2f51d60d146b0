// Package app wires the dmroom server runtime: config, logging, storage, the notification
// pipeline, HTTP routes and the WebSocket push gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dmroom/cmd/internal/directmessage"
	dmapi "dmroom/cmd/internal/directmessage/api"
	"dmroom/cmd/internal/notify"
	"dmroom/cmd/internal/people"
	"dmroom/cmd/internal/realtime"
	"dmroom/cmd/internal/telemetry"
)

// App is the dmroom server runtime. It owns the pool, the queue and the HTTP server.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	queue notify.Queue

	dispatcher *notify.Dispatcher
	handler    http.Handler
}

// backend is the storage selected for this process.
type backend struct {
	people interface {
		people.Directory
		people.Relationships
	}
	dm    directmessage.Store
	inbox notify.Inbox
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pool = p
	}

	a, err := wire(ctx, cfg, log, pool)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg Config, log Logger, pool *pgxpool.Pool) (*App, error) {
	be, err := newBackend(ctx, cfg, log, pool)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.New()

	queue, err := newQueue(cfg, log, metrics)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)
	dispatcher, err := notify.NewDispatcher(log, be.people, []notify.Sink{be.inbox, hub}, notify.WithRecorder(metrics))
	if err != nil {
		return nil, err
	}

	svc, err := directmessage.NewService(be.dm,
		directmessage.WithLogger(log),
		directmessage.WithNotifier(queue),
		directmessage.WithRecorder(metrics),
		directmessage.WithNotifyTimeout(cfg.NotifyTimeout),
	)
	if err != nil {
		return nil, err
	}

	dm, err := dmapi.NewHandler(log, svc, dmapi.Config{UserHeader: cfg.UserHeader}, dmapi.WithInbox(be.inbox))
	if err != nil {
		return nil, err
	}

	wsCfg := realtime.DefaultGatewayConfig()
	wsCfg.UserHeader = cfg.UserHeader
	wsCfg.AllowedOrigins = cfg.WSAllowedOrigins
	wsCfg.OriginRequired = cfg.WSOriginRequired
	wsCfg.HeartbeatEvery = cfg.WSHeartbeat

	rt := routes{
		log: log,
		cfg: cfg,
		dm:  dm,
		ws:  realtime.NewWSGateway(log, hub, wsCfg),
	}
	if cfg.MetricsEnabled {
		rt.metrics = metrics.Handler()
	}
	if pool != nil {
		rt.ready = append(rt.ready, readinessCheck{name: "db", check: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		}})
	}
	if p, ok := queue.(interface{ Ping(context.Context) error }); ok {
		rt.ready = append(rt.ready, readinessCheck{name: "redis", check: p.Ping})
	}

	mux := http.NewServeMux()
	registerHTTP(mux, rt)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, log)
	if cfg.MetricsEnabled {
		h = metrics.Instrument(h)
	}

	return &App{
		cfg:        cfg,
		log:        log,
		pool:       pool,
		queue:      queue,
		dispatcher: dispatcher,
		handler:    h,
	}, nil
}

// newBackend selects Postgres when a pool is available, else seeded in-memory stores.
func newBackend(ctx context.Context, cfg Config, log Logger, pool *pgxpool.Pool) (backend, error) {
	if pool == nil {
		log.Info("db.disabled.inmemory_store", "dev_users", len(cfg.DevUsers))

		ps := people.NewMemoryStore()
		for _, u := range cfg.DevUsers {
			ps.SetDisplayName(u.ID, u.Name)
			for _, blocked := range u.Blocks {
				ps.SetRelationship(u.ID, blocked, -1)
			}
		}
		dm, err := directmessage.NewMemoryStore(ps, ps)
		if err != nil {
			return backend{}, err
		}
		return backend{people: ps, dm: dm, inbox: notify.NewMemoryInbox()}, nil
	}

	if cfg.DBApplySchema {
		if err := ApplySchemas(ctx, pool, cfg.DBSchema); err != nil {
			return backend{}, err
		}
		log.Info("db.schema.applied", "schema", cfg.DBSchema)
	}

	ps, err := people.NewPostgresStore(pool, people.WithSchema(cfg.DBSchema))
	if err != nil {
		return backend{}, err
	}
	dm, err := directmessage.NewPostgresStore(pool, directmessage.WithSchema(cfg.DBSchema))
	if err != nil {
		return backend{}, err
	}
	inbox, err := notify.NewPostgresInbox(pool, cfg.DBSchema)
	if err != nil {
		return backend{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return backend{people: ps, dm: dm, inbox: inbox}, nil
}

func newQueue(cfg Config, log Logger, metrics *telemetry.Metrics) (notify.Queue, error) {
	if cfg.RedisAddr == "" {
		q := notify.NewMemoryQueue(log, cfg.NotifyQueueSize, cfg.NotifyMaxRetries, notify.WithRetryDelay(cfg.NotifyRetryDelay))
		metrics.QueueDepth(q.Len)
		log.Info("notify.queue.memory", "size", cfg.NotifyQueueSize)
		return q, nil
	}

	q, err := notify.NewRedisQueue(log, notify.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.RedisStream,
		Group:      cfg.RedisGroup,
		MaxRetries: cfg.NotifyMaxRetries,
		RetryDelay: cfg.NotifyRetryDelay,
	})
	if err != nil {
		return nil, err
	}
	log.Info("notify.queue.redis", "addr", cfg.RedisAddr, "stream", cfg.RedisStream)
	return q, nil
}

// Handler exposes the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the notification consumers and the HTTP server, and blocks until ctx is
// canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)

	a.queue.Start(gctx, nonZeroInt(a.cfg.NotifyConcurrency, 1), a.dispatcher.Handle)

	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "redis_enabled", a.cfg.RedisAddr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	a.log.Info("server.stopped")
	return err
}

// Close releases the queue and the pool (app owns both lifecycles).
func (a *App) Close() {
	if err := a.queue.Close(); err != nil {
		a.log.Error("notify.queue.close.fail", "err", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
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
