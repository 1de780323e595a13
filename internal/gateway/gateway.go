// ABOUTME: Gateway orchestrator wiring store, matchmaking, relay, and transport
// ABOUTME: Manages the HTTP server lifecycle including graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/pairwise-chat/pairwise/internal/auth"
	"github.com/pairwise-chat/pairwise/internal/config"
	"github.com/pairwise-chat/pairwise/internal/conversation"
	"github.com/pairwise-chat/pairwise/internal/matchmaking"
	"github.com/pairwise-chat/pairwise/internal/registry"
	"github.com/pairwise-chat/pairwise/internal/store"
)

// Gateway orchestrates the pairwise-gateway server components: the persistent
// store, the matchmaking queue, the conversation relay, and the HTTP server
// carrying both the websocket endpoint and the REST API.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	queue      *matchmaking.Queue
	relay      *conversation.Service
	verifier   auth.TokenVerifier
	metrics    *Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the store from config, honoring the PAIRWISE_DB_PATH
// override used in container deployments.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PAIRWISE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := conversation.NewBroadcaster(logger.With("component", "broadcaster"))
	relay := conversation.NewService(s, broadcaster, logger.With("component", "relay"))
	queue := matchmaking.NewQueue(s, logger.With("component", "matchmaking"))
	reg := registry.NewRegistry(logger)

	g := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		queue:    queue,
		relay:    relay,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		metrics:  NewMetrics(queue, relay),
		logger:   logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}

	return g, nil
}

// routes builds the HTTP router. The websocket endpoint does its own token
// check because browsers can't set headers on upgrade requests.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealth)
	r.Get("/ws", g.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.verifier))
		r.Get("/messages/{conversationID}", g.handleGetMessages)
	})

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, g.metrics.Handler())
	}

	return r
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Shutdown is graceful with a bounded timeout.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	g.logger.Info("http server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("shutdown error", "error", err)
		return err
	}

	g.logger.Info("shutdown complete")
	return nil
}

// Shutdown stops the HTTP server, drops all live connections, and closes the
// store. Conversations stay persisted; clients rejoin on reconnect.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	g.relay.Broadcaster().Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// appendCloseError appends a labeled error to errs if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
