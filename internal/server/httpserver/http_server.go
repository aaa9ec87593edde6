// Package httpserver wires the build API onto a chi router and runs it.
package httpserver

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/server/handlers"
	smw "git.home.luguber.info/inful/apkbuilder/internal/server/middleware"
	"git.home.luguber.info/inful/apkbuilder/internal/stream"
)

// Server owns the HTTP listener of the build API.
type Server struct {
	cfg          *config.Config
	router       chi.Router
	srv          *http.Server
	errorAdapter *errors.HTTPErrorAdapter

	buildHandlers      *handlers.BuildHandlers
	monitoringHandlers *handlers.MonitoringHandlers

	mu   sync.Mutex
	addr net.Addr
}

// New constructs the server and its routes. Nothing listens until Start.
func New(cfg *config.Config, service Service, opts Options) *Server {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	s := &Server{
		cfg:          cfg,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
	}
	progress := stream.NewHandler(service, opts.PollInterval)
	s.buildHandlers = handlers.NewBuildHandlers(service, opts.Journal, progress, cfg.Build.MaxUploadBytes())
	s.monitoringHandlers = handlers.NewMonitoringHandlers(service, opts.StartTime)
	s.router = s.routes(opts.MetricsHandler)
	return s
}

func (s *Server) routes(metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(smw.Chain(slog.Default(), s.errorAdapter))
	if len(s.cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"Content-Disposition"},
			MaxAge:         300,
		}))
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.errorAdapter.WriteErrorResponse(w, req, errors.NotFoundError("route not found").
			WithContext("path", req.URL.Path).
			Build())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.errorAdapter.WriteErrorResponse(w, req, errors.ValidationError("invalid HTTP method").
			WithContext("method", req.Method).
			Build())
	})

	r.Get("/health", s.monitoringHandlers.HandleHealthCheck)
	if metricsHandler != nil && s.cfg.Monitoring.Metrics.Enabled {
		r.Method(http.MethodGet, s.cfg.Monitoring.Metrics.Path, metricsHandler)
	}

	r.Route("/api/builds", func(r chi.Router) {
		r.Post("/", s.buildHandlers.HandleSubmit)
		r.Get("/", s.buildHandlers.HandleList)
		r.Get("/{id}", s.buildHandlers.HandleGet)
		r.Get("/{id}/progress", s.buildHandlers.HandleProgress)
		r.Get("/{id}/download", s.buildHandlers.HandleDownload)
		r.Get("/{id}/events", s.buildHandlers.HandleEvents)
	})

	// paths kept from the first web client
	r.Post("/build-app", s.buildHandlers.HandleSubmit)
	r.Get("/build-status/{id}", s.buildHandlers.HandleProgress)
	r.Get("/download/{id}", s.buildHandlers.HandleDownload)
	return r
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the bound address once Start has returned.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listen address and serves in the background. Binding
// happens before returning so an address in use fails startup.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Listen)
	if err != nil {
		return errors.WrapError(err, errors.CategoryDaemon, fmt.Sprintf("failed to listen on %s", s.cfg.Server.Listen)).Build()
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
	slog.Info("HTTP server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down. Open progress streams are cut when
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("http server shutdown: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}
