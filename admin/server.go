package admin

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smart-guard/exportgate/coordinator"
	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/health"
	"github.com/smart-guard/exportgate/target"
)

// Coordinator is the control surface the server exposes. Satisfied by
// *coordinator.Coordinator.
type Coordinator interface {
	Running() bool
	Ready(ctx context.Context) bool
	HealthMonitor() *health.Monitor
	Stats() coordinator.Stats
	ResetStats()
	TargetStats() map[string]export.TargetStatsSnapshot
	HealthCheck() []coordinator.TargetHealth
	ReloadTargets(ctx context.Context) error
	ReloadTemplates(ctx context.Context) error
	TestTarget(ctx context.Context, name string) (target.SendResult, error)
	HandleManualExport(ctx context.Context, targetName string, msg export.AlarmMessage) ([]export.ExportResult, error)
}

// LogReader serves the recent-logs query. Satisfied by *exportlog.Service.
type LogReader interface {
	RecentLogs(ctx context.Context, limit int) ([]export.ExportLogEntry, error)
}

// Config shapes the HTTP server.
type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8084"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Deps carries the server's collaborators. Metrics is optional; without it
// the /metrics route serves an empty registry.
type Deps struct {
	Coordinator Coordinator
	Logs        LogReader
	Metrics     *prometheus.Registry
	Logger      *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg      Config
	coord    Coordinator
	logs     LogReader
	logger   *slog.Logger
	router   chi.Router
	validate *validator.Validate

	httpServer *http.Server
	running    atomic.Bool
}

// New builds the server and its route table.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Coordinator == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "admin", "New", "nil coordinator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg.withDefaults(),
		coord:    deps.Coordinator,
		logs:     deps.Logs,
		logger:   logger.With("component", "admin"),
		validate: validator.New(),
	}

	registry := deps.Metrics
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/stats/reset", s.handleStatsReset)
		r.Get("/targets", s.handleTargets)
		r.Post("/targets/{name}/test", s.handleTargetTest)
		r.Post("/reload/targets", s.handleReloadTargets)
		r.Post("/reload/templates", s.handleReloadTemplates)
		r.Post("/export", s.handleManualExport)
		r.Get("/logs/recent", s.handleRecentLogs)
	})
	s.router = r
	return s, nil
}

// Router exposes the handler tree, used by tests and by embedders that run
// their own server.
func (s *Server) Router() http.Handler { return s.router }

// Start binds the listen address and serves in the background. A bind
// failure surfaces here, not later.
func (s *Server) Start(_ context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "admin", "Start", "server")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.running.Store(false)
		return errors.Wrap(err, "admin", "Start", "listen on "+s.cfg.Listen)
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server exited", "error", err)
		}
	}()

	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests within the shutdown timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if timeout <= 0 {
		timeout = s.cfg.ShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "admin", "Stop", "shutdown")
	}
	return nil
}
