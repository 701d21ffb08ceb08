// Package httpserver wires the orchestration API: routes, middleware, and the
// HTTP server lifecycle.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/undergrid/hell/internal/access"
	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/hell"
	"github.com/undergrid/hell/internal/metrics"
	"github.com/undergrid/hell/internal/server/handlers"
	smw "github.com/undergrid/hell/internal/server/middleware"
)

// Server serves the orchestration HTTP API.
type Server struct {
	cfg     config.ServerConfig
	httpSrv *http.Server
	adapter *derrors.HTTPErrorAdapter

	systemHandlers *handlers.SystemHandlers
	daemonHandlers *handlers.DaemonHandlers
	accessHandlers *handlers.AccessHandlers
}

// Options carries the server's collaborators.
type Options struct {
	Controller     *hell.Controller
	AccessStore    *access.Store
	Recorder       metrics.Recorder
	MetricsHandler http.Handler
	UpdateConfig   config.UpdateConfig
}

// New constructs the API server. The recorder may be nil.
func New(cfg config.ServerConfig, opts Options) *Server {
	adapter := derrors.NewHTTPErrorAdapter(slog.Default())
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	s := &Server{
		cfg:            cfg,
		adapter:        adapter,
		systemHandlers: handlers.NewSystemHandlers(opts.Controller, adapter),
		daemonHandlers: handlers.NewDaemonHandlers(opts.Controller, opts.UpdateConfig, adapter),
		accessHandlers: handlers.NewAccessHandlers(opts.AccessStore, adapter),
	}

	mux := http.NewServeMux()

	authed := smw.APIKeyAuth(opts.AccessStore, adapter)
	open := smw.LocalOnly(adapter)
	limited := smw.RateLimit(cfg.RateLimitPerMinute, adapter)

	// System lifecycle.
	mux.Handle("POST /api/hell/start", authed(http.HandlerFunc(s.systemHandlers.Start)))
	mux.Handle("POST /api/hell/stop", authed(http.HandlerFunc(s.systemHandlers.Stop)))
	mux.Handle("POST /api/hell/restart", authed(http.HandlerFunc(s.systemHandlers.Restart)))
	mux.Handle("GET /api/hell/status", authed(http.HandlerFunc(s.systemHandlers.Status)))
	if opts.MetricsHandler != nil {
		mux.Handle("GET /api/hell/metrics", authed(opts.MetricsHandler))
	}

	// Daemon lifecycle.
	mux.Handle("GET /api/daemons/", authed(http.HandlerFunc(s.daemonHandlers.List)))
	mux.Handle("POST /api/daemons/create", authed(http.HandlerFunc(s.daemonHandlers.Create)))
	mux.Handle("POST /api/daemon/{name}/start", authed(http.HandlerFunc(s.daemonHandlers.Start)))
	mux.Handle("POST /api/daemon/{name}/stop", authed(http.HandlerFunc(s.daemonHandlers.Stop)))
	mux.Handle("POST /api/daemon/{name}/restart", authed(http.HandlerFunc(s.daemonHandlers.Restart)))
	mux.Handle("POST /api/daemon/{name}/update", authed(http.HandlerFunc(s.daemonHandlers.Update)))
	mux.Handle("DELETE /api/daemon/{name}", authed(http.HandlerFunc(s.daemonHandlers.Delete)))

	// Credential issuance: no API key, local network only, rate limited.
	mux.Handle("POST /api/create-invitation", limited(open(http.HandlerFunc(s.accessHandlers.CreateInvitation))))
	mux.Handle("POST /api/generate-api-key", limited(open(http.HandlerFunc(s.accessHandlers.GenerateAPIKey))))

	mux.Handle("GET /healthz", http.HandlerFunc(s.systemHandlers.Health))

	chain := smw.Chain(slog.Default(), adapter, recorder)
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      chain(mux),
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start binds the listen address and serves until ctx is cancelled or the
// server fails. A graceful shutdown honors the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return derrors.WrapError(err, derrors.CategoryRuntime, "bind listen address").
			WithContext("addr", s.cfg.ListenAddr).Build()
	}
	slog.Info("api server listening", slog.String("addr", s.cfg.ListenAddr))

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-serveErr
}
