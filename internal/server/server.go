package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"appdeck/internal/config"
	"appdeck/internal/deployment"
	"appdeck/internal/metrics"
	"appdeck/internal/proxy"
	"appdeck/internal/store"
	"appdeck/internal/stream"
	"appdeck/internal/supervisor"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	// HTTP server timeouts
	HTTPReadHeaderTimeout = 10 * time.Second
	HTTPReadTimeout       = 5 * time.Minute
	HTTPWriteTimeout      = 60 * time.Second
	HTTPIdleTimeout       = 60 * time.Second

	// Request timeout for middleware; /ws is exempt
	RequestTimeout = 60 * time.Second

	// ShutdownTimeout bounds graceful shutdown of open requests.
	ShutdownTimeout = 15 * time.Second

	// Rate limiting - requests per minute per IP
	GlobalRateLimit  = 120
	WebhookRateLimit = 30

	// MaxWebhookBytes bounds webhook payloads.
	MaxWebhookBytes = 1_000_000
)

// Options tunes the server.
type Options struct {
	// WebhookSecret enables POST /hooks/github when set.
	WebhookSecret string
	// MaxUploadBytes bounds archive uploads over HTTP and websocket.
	MaxUploadBytes int64
	// DisableRateLimit turns off per-IP limiting, for tests.
	DisableRateLimit bool
}

// Dependencies are the components the server exposes.
type Dependencies struct {
	Engine   *deployment.Engine
	Services *supervisor.Supervisor
	Proxy    *proxy.Configurator
	Store    *store.Store
	Live     *config.Live
	Hub      *stream.Hub
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	engine   *deployment.Engine
	services *supervisor.Supervisor
	proxy    *proxy.Configurator
	store    *store.Store
	live     *config.Live
	hub      *stream.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options

	upgrader websocket.Upgrader
	handlers map[string]handler

	mu    sync.Mutex
	conns map[string]*conn

	// streamMu orders the engine's streaming gate with hub subscriptions.
	streamMu sync.Mutex
}

// New creates a server. Call Router or Serve to use it.
func New(deps Dependencies, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		engine:   deps.Engine,
		services: deps.Services,
		proxy:    deps.Proxy,
		store:    deps.Store,
		live:     deps.Live,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		opts:     opts,
		conns:    make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
	}
	s.handlers = s.channels()
	return s
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		if !s.opts.DisableRateLimit {
			r.Use(NewRateLimitMiddleware(GlobalRateLimit, "global", s.metrics, s.logger))
		}

		// Uploads are bounded by size and HTTPReadTimeout instead.
		r.Post("/api/deploy/file", s.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Get("/health", s.handleHealth)
			if s.metrics != nil {
				r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
			}

			if s.opts.DisableRateLimit {
				r.Post("/hooks/github", s.handleWebhook)
			} else {
				r.With(NewRateLimitMiddleware(WebhookRateLimit, "webhook", s.metrics, s.logger)).
					Post("/hooks/github", s.handleWebhook)
			}
		})
	})

	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: HTTPReadHeaderTimeout,
		ReadTimeout:       HTTPReadTimeout,
		WriteTimeout:      HTTPWriteTimeout,
		IdleTimeout:       HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server")
	err := srv.Shutdown(shutdownCtx)
	// Shutdown does not wait for hijacked connections.
	s.closeConnections()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
