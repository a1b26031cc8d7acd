package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/delivery"
	"chatrelay/internal/gateway"
	"chatrelay/internal/identity"
	"chatrelay/internal/presence"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/store"
	"chatrelay/internal/syncer"
	"chatrelay/pkg/database"
)

// Application owns every long-lived component and tears them down in
// reverse dependency order.
type Application struct {
	config   *config.Config
	store    *store.Store
	tracker  *presence.Tracker
	limiter  *ratelimit.Limiter
	gateway  *gateway.Gateway
	server   *http.Server
	log      *logrus.Entry
	shutdown chan struct{}
}

// New builds the full component graph from a validated configuration.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logrus.WithField("component", "app")

	st, err := store.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := database.InitSchema(st.DB()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	verifier := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.TokenCacheTTL)
	tracker := presence.NewTracker(cfg.Presence)
	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	ledger := delivery.NewLedger(st, cfg.Sync.MaxTextLength)
	engine := syncer.NewEngine(tracker, st, st, cfg.Sync.MessageCap)
	gw := gateway.New(tracker, limiter, ledger, engine, st, verifier, cfg.WebSocket)
	apiServer := api.NewServer(st, st, verifier, st, tracker, gw.Registry())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", apiServer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:   cfg,
		store:    st,
		tracker:  tracker,
		limiter:  limiter,
		gateway:  gw,
		server:   server,
		log:      log,
		shutdown: make(chan struct{}),
	}, nil
}

// Start serves HTTP until Stop is called or the listener fails.
func (a *Application) Start() error {
	a.log.WithField("addr", a.server.Addr).Info("starting server")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-a.shutdown:
		return nil
	}
}

// Stop drains the HTTP server, closes live connections, and halts the
// background sweepers before releasing the store.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info("shutting down")
	close(a.shutdown)

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("http shutdown did not complete cleanly")
	}

	a.gateway.Shutdown()
	a.tracker.Stop()
	a.limiter.Stop()

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	a.log.Info("shutdown complete")
	return nil
}

// Addr returns the configured listen address, mostly for logging and
// tests.
func (a *Application) Addr() string {
	return a.server.Addr
}

// WaitForReady polls the store until it answers a health check or the
// deadline passes.
func (a *Application) WaitForReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := a.store.HealthCheck(ctx)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("store not ready after %s", timeout)
}
