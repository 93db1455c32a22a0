// Package app wires the telehealth components together and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/internal/accesskey"
	"telehealth/internal/api"
	"telehealth/internal/backplane"
	"telehealth/internal/config"
	"telehealth/internal/database"
	"telehealth/internal/events"
	"telehealth/internal/hub"
	"telehealth/internal/identity"
	"telehealth/internal/jobs"
	"telehealth/internal/notify"
	"telehealth/internal/observability"
	"telehealth/internal/relay"
	"telehealth/internal/session"
	"telehealth/internal/storage"
	"telehealth/internal/websocket"
	pkgdatabase "telehealth/pkg/database"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// Version is reported as the service version on traces.
var Version = "dev"

type closer interface {
	Close()
}

// Application coordinates all system components.
type Application struct {
	config *config.Config
	logger zerolog.Logger

	store     *database.Manager
	relay     *relay.Relay
	hub       *hub.Hub
	backplane *backplane.RedisAdapter
	scheduler *jobs.Scheduler
	notifier  interfaces.Notifier

	httpServer *http.Server
	otel       observability.Shutdown
}

// NewApplication builds every component. Initialization follows dependency
// order: store, events, services, registry, relay, hub, socket handler, jobs,
// HTTP. Nothing listens or connects to Redis until Start.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := log.With().Str("component", "app").Logger()

	// STEP 1: session store and schema
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout

	store, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	var source fs.FS
	if dbConfig.MigrationsPath != "" {
		source = os.DirFS(dbConfig.MigrationsPath)
	}
	migrations := pkgdatabase.NewMigrationManager(store.GetDB(), source)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database schema mismatch: %w", err)
	}
	logger.Info().Str("path", dbConfig.DatabasePath).Msg("database migrations applied")

	// STEP 2: in-process lifecycle events
	bus := events.NewBus()

	// STEP 3: domain services
	sessions := session.NewManager(store, store, bus, session.Config{
		InactivityTimeout: cfg.Session.InactivityTimeout,
		Retention:         cfg.Session.Retention,
	})
	messages := session.NewMessageService(store, sessions, bus)

	notifier, err := newNotifier(cfg.Notify)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	keys := accesskey.NewService(store, notifier, accesskey.Config{
		Policy:        accesskey.Policy{MaxAttempts: cfg.AccessKey.MaxAttempts, Lockout: cfg.AccessKey.Lockout},
		PublicBaseURL: cfg.Session.PublicBaseURL,
		LeadTime:      cfg.Session.AccessKeyLeadTime,
	})
	verifier := identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	// STEP 4: connection registry with admission limit
	registry := websocket.NewRegistry(cfg.WebSocket.MaxConnections)

	// STEP 5: backplane, relay and hub. The backplane hands remote broadcasts
	// to the hub, which feeds them back into the relay on one goroutine.
	var (
		adapter   *backplane.RedisAdapter
		publisher relay.Backplane
		deliverer *hub.Hub
	)
	if cfg.Redis.Addr != "" {
		adapter = backplane.NewRedisAdapter(backplane.Config{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			ChannelPrefix:   cfg.Redis.ChannelPrefix,
			MaxRetries:      uint(cfg.Redis.MaxRetries),
			InitialBackoff:  cfg.Redis.InitialBackoff,
			MaxBackoff:      cfg.Redis.MaxBackoff,
			PublishTimeout:  cfg.Redis.PublishTimeout,
			BreakerFailures: uint32(cfg.Redis.BreakerFailures),
			BreakerCooldown: cfg.Redis.BreakerCooldown,
		}, func(b types.RoomBroadcast) error {
			return deliverer.Deliver(b)
		})
		publisher = adapter
	}

	rooms := relay.New(registry, sessions, messages, publisher, relay.Config{
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		Burst:             cfg.WebSocket.MessageBurst,
	})
	rooms.Subscribe(bus)
	deliverer = hub.NewHub(rooms)

	// STEP 6: realtime socket endpoint
	socket := websocket.NewHandler(registry, verifier, keys, rooms, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		PongWait:        cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		ReadBufferSize:  cfg.WebSocket.BufferSize,
		WriteBufferSize: cfg.WebSocket.BufferSize,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		RetryAfter:      cfg.WebSocket.RetryAfter,
	})

	// STEP 7: background jobs
	scheduler := jobs.NewScheduler()
	for _, job := range []jobs.Job{
		{Name: "enforce-timeouts", Interval: cfg.Session.TimeoutCheckInterval, Run: sessions.EnforceTimeouts},
		{Name: "retention", Interval: cfg.Session.RetentionInterval, Run: sessions.CleanupRetention},
		{Name: "stale-sweep", Interval: cfg.Session.StaleSweepInterval, Run: func(ctx context.Context) (int, error) {
			return rooms.SweepStale(ctx), nil
		}},
		{Name: "access-keys", Interval: cfg.Session.AccessKeyBatchInterval, Run: keys.SendUpcoming},
	} {
		if err := scheduler.Add(job); err != nil {
			closeNotifier(notifier)
			_ = store.Close()
			return nil, fmt.Errorf("failed to register job %s: %w", job.Name, err)
		}
	}

	// STEP 8: optional recording storage
	var recordings interfaces.RecordingStorage
	if cfg.Storage.Bucket != "" {
		s3, err := storage.NewS3Recordings(ctx, cfg.Storage)
		if err != nil {
			closeNotifier(notifier)
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize recording storage: %w", err)
		}
		recordings = s3
	}

	// STEP 9: HTTP surface
	deps := api.Deps{
		Sessions:   sessions,
		Messages:   messages,
		AccessKeys: keys,
		Verifier:   verifier,
		Recordings: recordings,
		Realtime:   registry,
		Store:      store,
		Socket:     socket,
	}
	if adapter != nil {
		deps.Backplane = adapter
	}
	server := api.NewServer(deps, api.Options{
		ServiceName:    cfg.OTEL.ServiceName,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	return &Application{
		config:    cfg,
		logger:    logger,
		store:     store,
		relay:     rooms,
		hub:       deliverer,
		backplane: adapter,
		scheduler: scheduler,
		notifier:  notifier,
		httpServer: &http.Server{
			Addr:         cfg.HTTP.Addr(),
			Handler:      server,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}, nil
}

// newNotifier publishes to the broker when one is configured and otherwise
// logs deliveries.
func newNotifier(cfg *config.NotifyConfig) (interfaces.Notifier, error) {
	if cfg.AMQPURL == "" {
		return notify.NewLogNotifier(), nil
	}
	publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect notification broker: %w", err)
	}
	return notify.NewBrokerNotifier(publisher, cfg.Exchange), nil
}

func closeNotifier(n interfaces.Notifier) {
	if c, ok := n.(closer); ok {
		c.Close()
	}
}

// Start brings components up in dependency order and returns once the HTTP
// listener is serving. A Redis outage does not fail startup; the process
// then serves its own rooms only.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info().Str("addr", app.httpServer.Addr).Msg("starting telehealth")

	// STEP 1: tracing
	shutdown, err := observability.SetupOTel(ctx, app.config.OTEL, Version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	app.otel = shutdown

	// STEP 2: remote delivery
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery hub: %w", err)
	}
	if app.backplane != nil {
		if err := app.backplane.Init(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("backplane unavailable, running single-process")
		}
	}

	// STEP 3: room bindings from before a restart
	if _, err := app.relay.Recover(ctx); err != nil {
		app.logger.Warn().Err(err).Msg("room recovery failed")
	}

	// STEP 4: periodic jobs
	if err := app.scheduler.Start(ctx); err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to start jobs: %w", err)
	}

	// STEP 5: HTTP listener
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.scheduler.Stop()
		_ = app.hub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info().Msg("telehealth started")
		return nil
	case <-ctx.Done():
		app.scheduler.Stop()
		_ = app.hub.Stop()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order. Every step runs
// even when an earlier one fails; the first error is returned.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down telehealth")
	var errs []error

	// STEP 1: stop accepting requests
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: background work
	app.scheduler.Stop()
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if app.backplane != nil {
		if err := app.backplane.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backplane shutdown: %w", err))
		}
	}
	closeNotifier(app.notifier)

	// STEP 3: flush traces
	if app.otel != nil {
		if err := app.otel(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}

	// STEP 4: store last, after every writer has stopped
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	app.logger.Info().Msg("telehealth shutdown complete")
	return nil
}

// Addr returns the HTTP listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
