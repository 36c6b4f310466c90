// Package app wires the Concord client runtime: config, logging, the
// projection engine, the stream source, and the local HTTP surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"concord/cmd/internal/engine"
	"concord/cmd/internal/stream"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// focusState holds the viewer focus reported by the UI process. The engine
// reads a snapshot per notification decision.
type focusState struct {
	mu sync.RWMutex
	f  engine.Focus
}

func (s *focusState) Set(f engine.Focus) {
	s.mu.Lock()
	s.f = f
	s.mu.Unlock()
}

func (s *focusState) Get() engine.Focus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.f
}

// settingsState holds the notification preferences, seeded from config and
// mutable through the settings API.
type settingsState struct {
	mu sync.RWMutex
	s  engine.Settings
}

func (s *settingsState) Set(v engine.Settings) {
	s.mu.Lock()
	s.s = v
	s.mu.Unlock()
}

func (s *settingsState) Get() engine.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s
}

// App is the Concord client runtime: it owns the projection engine, the
// stream source, the event store, and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics  *Metrics
	engine   *engine.Engine
	source   *stream.WSSource
	focus    *focusState
	settings *settingsState
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.LocalUserID == "" {
		return nil, errors.New("app: CONCORD_USER_ID is required")
	}

	st, dbPool, dbEnabled, events, err := newEventStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	focus := &focusState{}
	settings := &settingsState{s: engine.Settings{
		EnableNotifications:  cfg.EnableNotifications,
		EnableSounds:         cfg.EnableSounds,
		MentionsOnly:         cfg.MentionsOnly,
		MentionKeywords:      cfg.MentionKeywords,
		SendReadReceipts:     cfg.SendReadReceipts,
		SendTypingIndicators: cfg.SendTypingIndicators,
	}}

	metrics := NewMetrics()

	eng := engine.New(log, cfg.LocalUserID,
		engine.WithSink(metrics),
		engine.WithNotifier(NewDesktopNotifier(log)),
		engine.WithHistory(events),
		engine.WithSettings(settings.Get),
		engine.WithFocus(focus.Get),
	)

	var source *stream.WSSource
	if cfg.StreamURL != "" {
		source, err = stream.NewWSSource(log, stream.WSConfig{
			URL:             cfg.StreamURL,
			DialTimeout:     cfg.StreamDialTO,
			ReadIdleTimeout: cfg.StreamReadIdle,
			PingInterval:    cfg.StreamPingEvery,
		},
			stream.WithEventStore(events),
			stream.WithStateFunc(eng.SetSyncState),
		)
		if err != nil {
			return nil, err
		}
		if err := eng.AttachSource(source); err != nil {
			return nil, err
		}
	} else {
		log.Info("stream.disabled.no_url")
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		metrics:   metrics,
		engine:    eng,
		source:    source,
		focus:     focus,
		settings:  settings,
	}, nil
}

// Engine exposes the projection engine, mainly for tests and embedding.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts the HTTP server and stream loop and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.engine, a.metrics, a.focus)
	registerSettingsHTTP(mux, a.settings)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"stream_enabled", a.source != nil,
		"user_id", a.cfg.LocalUserID,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if a.source != nil {
		go func() {
			if err := a.source.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
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

// newEventStore decides between Postgres-backed persistence and the in-memory
// fallback.
func newEventStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, stream.EventStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, stream.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	events, err := stream.NewPostgresStore(pool, stream.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, events: events}, pool, true, events, nil
}

type dbStore struct {
	pool   *pgxpool.Pool
	events stream.EventStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.events != nil {
		_ = s.events.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
