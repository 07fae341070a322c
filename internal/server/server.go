// Package server wires configuration, a session backend and the session
// handler into an HTTP server.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/sessionstate/pkg/config"
	"github.com/txn2/sessionstate/pkg/database/migrate"
	"github.com/txn2/sessionstate/pkg/health"
	"github.com/txn2/sessionstate/pkg/session"
	"github.com/txn2/sessionstate/pkg/session/mongodb"
	"github.com/txn2/sessionstate/pkg/session/postgres"
	"github.com/txn2/sessionstate/pkg/session/redis"
)

// Version is set at build time.
var Version = "dev"

// backendOpener opens the backend for one provider. The returned cleanup
// releases resources the backend does not own and may be nil.
type backendOpener func(ctx context.Context, cfg *config.Config) (session.Backend, func() error, error)

var backendOpeners = map[string]backendOpener{
	config.ProviderMemory:   openMemory,
	config.ProviderMongoDB:  openMongoDB,
	config.ProviderPostgres: openPostgres,
	config.ProviderRedis:    openRedis,
}

func openMemory(context.Context, *config.Config) (session.Backend, func() error, error) {
	return session.NewMemoryBackend(), nil, nil
}

func openMongoDB(ctx context.Context, cfg *config.Config) (session.Backend, func() error, error) {
	store, err := mongodb.Connect(ctx, mongodb.Config{
		URI:            cfg.MongoDB.ConnectionURI(),
		Database:       cfg.MongoDB.Database,
		Collection:     cfg.MongoDB.Collection,
		ConnectTimeout: cfg.MongoDB.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, nil, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (session.Backend, func() error, error) {
	store, err := redis.Connect(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, nil, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (session.Backend, func() error, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	if cfg.Postgres.AutoMigrate {
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	return postgres.New(db, postgres.Config{Table: cfg.Postgres.Table}), db.Close, nil
}

// Server serves session-backed HTTP endpoints.
type Server struct {
	cfg     *config.Config
	store   *session.Store
	checker *health.Checker
	handler http.Handler
	cleanup func() error
	logger  *slog.Logger
}

// NewWithConfig loads the configuration file at path and creates a Server.
func NewWithConfig(ctx context.Context, path string, logger *slog.Logger) (*Server, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return New(ctx, cfg, logger)
}

// New opens the configured backend and builds the HTTP handler.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	open, ok := backendOpeners[cfg.Session.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownProvider, cfg.Session.Provider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err //nolint:wrapcheck // already describes the config
	}
	backend, cleanup, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Session.Provider, err)
	}

	if err := session.EnsureIndexes(ctx, backend); err != nil {
		_ = backend.Close()
		runCleanup(cleanup)
		return nil, fmt.Errorf("ensuring indexes: %w", err)
	}

	store := session.New(backend, storeConfig(cfg, logger))
	if cfg.Session.CleanupInterval > 0 {
		store.StartCleanupRoutine(cfg.Session.CleanupInterval)
	}

	var probe health.Probe
	if p, ok := backend.(session.Pinger); ok {
		probe = p.Ping
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		checker: health.NewChecker(probe),
		cleanup: cleanup,
		logger:  logger,
	}
	s.handler = s.routes()

	logger.Info("session store ready",
		"provider", cfg.Session.Provider,
		"namespace", cfg.Session.Namespace,
		"timeout", cfg.Session.Timeout,
	)
	return s, nil
}

func storeConfig(cfg *config.Config, logger *slog.Logger) session.Config {
	var codec session.Codec = session.JSONCodec{UseNumber: cfg.Session.JSONUseNumber}
	if cfg.Session.Codec == config.CodecGob {
		codec = session.GobCodec{}
	}
	return session.Config{
		Timeout:             cfg.Session.Timeout,
		Codec:               codec,
		Recreate:            session.RecreateMode(cfg.Session.Recreate),
		UninitializedExpiry: session.UninitializedExpiry(cfg.Session.UninitializedExpiry),
		UninitializedGrace:  cfg.Session.UninitializedGrace,
		AcquireAttempts:     cfg.Session.AcquireAttempts,
		Logger:              logger,
	}
}

func (s *Server) routes() http.Handler {
	sc := s.cfg.Session
	sessionHandler := session.NewHandler(http.HandlerFunc(serveSession), session.HandlerConfig{
		Store:             s.store,
		Namespace:         sc.Namespace,
		CookieName:        sc.CookieName,
		SecureCookie:      sc.SecureCookie,
		ReadOnly:          sc.ReadOnly,
		RegenerateExpired: sc.RegenerateExpired,
		LockPollInterval:  sc.LockPollInterval,
		LockTimeout:       sc.LockTimeout,
		MaxLockWait:       sc.MaxLockWait,
		Logger:            s.logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/healthz", s.checker.LivenessHandler())
	mux.Handle("/readyz", s.checker.ReadinessHandler())
	mux.Handle("/session", sessionHandler)
	return mux
}

// sessionResponse is the JSON body of the /session endpoint.
type sessionResponse struct {
	ID    string         `json:"id"`
	New   bool           `json:"new"`
	Items map[string]any `json:"items"`
}

// serveSession exposes the request's session: GET reads it, PUT sets
// ?key=&value=, DELETE abandons it.
func serveSession(w http.ResponseWriter, r *http.Request) {
	st := session.FromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		st.Set(key, r.URL.Query().Get("value"))
	case http.MethodDelete:
		st.Abandon()
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	items := make(map[string]any, st.Len())
	for _, k := range st.Keys() {
		items[k], _ = st.Get(k)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionResponse{ID: st.ID(), New: st.IsNew(), Items: items})
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store returns the session store.
func (s *Server) Store() *session.Store {
	return s.store
}

// Config returns the server configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// Run serves HTTP until ctx is cancelled, then drains and shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	s.checker.SetReady()
	s.logger.Info("server listening", "address", ln.Addr().String(), "version", Version)

	select {
	case err := <-errCh:
		s.checker.SetDraining()
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	s.checker.SetDraining()
	s.logger.Info("server draining")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Close stops the store and releases the backend.
func (s *Server) Close() error {
	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.cleanup != nil {
		if err := s.cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func runCleanup(cleanup func() error) {
	if cleanup != nil {
		_ = cleanup()
	}
}
