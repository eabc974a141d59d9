// ABOUTME: Top-level gateway wiring: store, sessions, dispatcher, channels, and HTTP server
// ABOUTME: Owns startup reconciliation, the liveness watchdog, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flockhq/flock-gateway/internal/auth"
	"github.com/flockhq/flock-gateway/internal/config"
	"github.com/flockhq/flock-gateway/internal/dispatch"
	"github.com/flockhq/flock-gateway/internal/events"
	"github.com/flockhq/flock-gateway/internal/router"
	"github.com/flockhq/flock-gateway/internal/session"
	"github.com/flockhq/flock-gateway/internal/store"
	"github.com/flockhq/flock-gateway/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// Gateway is the coordination hub binding every component together. One
// Gateway instance owns one HTTP listener, one store, and one session
// table.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	store      store.Store
	sessions   *session.Manager
	events     *events.Broadcaster
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	verifier   *auth.Verifier
	webhooks   *webhook.Handler
	metrics    *metrics

	httpServer *http.Server
}

// New builds a Gateway from configuration. Nothing is listening until
// Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.New(cfg.Database.Backend, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	g := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		store:    st,
		sessions: session.NewManager(logger.With("component", "sessions")),
		events:   events.NewBroadcaster(logger),
		verifier: auth.NewVerifier(auth.Options{
			APIToken:       cfg.Auth.APIToken,
			JWTSecret:      cfg.Auth.JWTSecret,
			TrustLocalhost: cfg.Auth.TrustLocalhost,
		}),
		metrics: newMetrics(),
	}

	g.dispatcher = dispatch.New(st, g.sessions, g.events, logger.With("component", "dispatcher"))
	g.dispatcher.SetTerminalHook(func(status store.TaskStatus) {
		g.metrics.tasksFinished.WithLabelValues(string(status)).Inc()
	})

	g.router = router.New(g.dispatcher, cfg.Nodes.DefaultNode, logger.With("component", "router"))

	channels, err := buildChannels(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	g.webhooks = webhook.NewHandler(g.router, channels, cfg.Channels.RatePerSecond, logger.With("component", "webhooks"))

	mux := http.NewServeMux()
	g.registerRoutes(mux, channels)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// buildChannels constructs the enabled inbound channel verifiers. The
// variant set is closed; there is no channel plugin registry.
func buildChannels(cfg *config.Config) ([]webhook.Channel, error) {
	var channels []webhook.Channel

	if cfg.Channels.Signed.Enabled {
		channels = append(channels, webhook.NewSignedChannel(cfg.Channels.Signed.SigningSecret))
	}
	if cfg.Channels.Sealed.Enabled {
		ch, err := webhook.NewSealedChannel(cfg.Channels.Sealed.Key)
		if err != nil {
			return nil, fmt.Errorf("configuring sealed channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if cfg.Channels.Token.Enabled {
		channels = append(channels, webhook.NewTokenChannel(cfg.Channels.Token.AppToken))
	}

	return channels, nil
}

// registerRoutes installs all HTTP routes. The /api tree requires a
// bearer credential; webhook endpoints carry their own channel-specific
// verification; health probes are open.
func (g *Gateway) registerRoutes(mux *http.ServeMux, channels []webhook.Channel) {
	cors := auth.CORSMiddleware(g.config.Auth.AllowedOrigins)
	protect := func(h http.HandlerFunc) http.Handler {
		return cors(g.verifier.Middleware(h))
	}

	mux.Handle("POST /api/tasks", protect(g.handleSubmitTask))
	mux.Handle("GET /api/tasks", protect(g.handleListTasks))
	mux.Handle("GET /api/tasks/{id}", protect(g.handleGetTask))
	mux.Handle("POST /api/tasks/{id}/stop", protect(g.handleStopTask))
	mux.Handle("POST /api/tasks/{id}/append", protect(g.handleAppendTask))
	mux.Handle("GET /api/tasks/{id}/events", protect(g.handleTaskEvents))
	mux.Handle("GET /api/nodes", protect(g.handleListNodes))
	mux.Handle("GET /api/nodes/{id}", protect(g.handleGetNode))
	// Legacy alias kept for older fleet tooling.
	mux.Handle("GET /api/vibers", protect(g.handleListNodes))
	mux.Handle("POST /api/interrupt", protect(g.handleInterrupt))

	mux.HandleFunc("GET /ws/node", g.handleNodeWS)

	g.webhooks.RegisterRoutes(mux, channels)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(
			g.metrics.registry,
			promhttp.HandlerOpts{},
		))
	}
}

// Run reconciles persisted state, starts the liveness watchdog, and
// serves HTTP until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.dispatcher.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go g.watchdog(watchCtx)

	g.logger.Info("gateway listening",
		"addr", ln.Addr().String(),
		"store", g.config.Database.Backend,
		"metrics", g.config.Metrics.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return g.Shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown stops the HTTP server, closes every node session, and
// releases all resources. Errors are aggregated so a failure in one
// step never skips the rest.
func (g *Gateway) Shutdown() error {
	g.logger.Info("gateway shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	appendErr := func(step string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	appendErr("http server", g.httpServer.Shutdown(ctx))

	for _, info := range g.sessions.List() {
		if s, ok := g.sessions.Get(info.NodeID); ok {
			s.Close(websocket.StatusGoingAway, "gateway shutting down")
		}
	}

	g.webhooks.Close()
	g.events.Close()
	appendErr("store", g.store.Close())

	return errors.Join(errs...)
}

// Addr reports the configured HTTP listen address.
func (g *Gateway) Addr() string {
	return g.config.Server.HTTPAddr
}
