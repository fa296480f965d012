// Package server wires together the HTTP server, the operator session API,
// the instance console API and the external API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"space-manager/pkg/actions"
	"space-manager/pkg/apierr"
	"space-manager/pkg/credentials"
	"space-manager/pkg/instances"
	"space-manager/pkg/middleware"
	"space-manager/pkg/observability"
	"space-manager/pkg/session"
	"space-manager/pkg/stream"
	"space-manager/pkg/upstream"
)

const (
	serviceName     = "space-manager"
	shutdownTimeout = 10 * time.Second
)

// Lister is the aggregated instance view. *instances.Fetcher implements it.
type Lister interface {
	List(ctx context.Context, mapping *credentials.Mapping, allowList []string) ([]upstream.Instance, error)
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Sessions      *session.Store
	Subscriptions *session.Subscriptions
	// Authenticator checks operator logins. Login answers 503 when nil.
	Authenticator *session.Authenticator
	Instances     Lister
	Dispatcher    *actions.Dispatcher
	Multiplexer   *stream.Multiplexer
	Samples       stream.MetricsSource
	Credentials   credentials.Source
	// APIKey is read per request; empty disables the external API.
	APIKey          func() string
	Version         string
	MetricsInterval time.Duration
	Logger          *slog.Logger
	Metrics         *observability.Metrics
	// MetricsHandler serves /metrics. Defaults to the global registry.
	MetricsHandler http.Handler
}

// Server is the HTTP server for the console.
type Server struct {
	deps   Deps
	engine *gin.Engine
	logger *slog.Logger
}

const (
	// streamRoute is opened by EventSource, which cannot send an
	// Authorization header, so it also accepts the session token as the
	// streamTokenParam query parameter.
	streamRoute      = "/api/v1/instances/:account/:name/metrics/stream"
	streamTokenParam = "access_token"
)

// publicRoutes are reachable without a session.
var publicRoutes = []string{
	"/api/v1/login",
	"/api/v1/verify",
}

// New creates a Server and registers its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.APIKey == nil {
		deps.APIKey = func() string { return "" }
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}

	s := &Server{
		deps:   deps,
		engine: gin.New(),
		logger: deps.Logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery())
	r.Use(middleware.QueryToken(streamTokenParam, streamRoute))
	r.Use(otelgin.Middleware(serviceName))
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))

	api := r.Group("/api/v1", middleware.Gate(s.deps.Sessions, s.logger, s.deps.Metrics, publicRoutes...))
	{
		api.POST("/login", s.handleLogin)
		api.GET("/verify", s.handleVerify)
		api.POST("/verify", s.handleVerify)
		api.POST("/logout", s.handleLogout)

		api.GET("/info", s.handleInfo)
		api.GET("/config", s.handleConfig)

		api.GET("/instances", s.handleListInstances)
		api.POST("/instances/:account/:name/actions/:action", s.handleAction)
		api.GET("/instances/:account/:name/metrics", s.handleSample)
		api.GET("/instances/:account/:name/metrics/stream", s.handleStream)
		api.POST("/metrics/subscriptions", s.handleSubscribe)
	}

	ext := r.Group("/api/v1/external", middleware.APIKey(s.deps.APIKey))
	{
		ext.GET("/info", s.handleInfo)
		ext.GET("/instances", s.handleExternalInstances)
		ext.GET("/instances/:account", s.handleExternalInstances)
		ext.POST("/actions/:account/:name/:action", s.handleAction)
	}
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.RunWithListener(ctx, l)
}

// RunWithListener serves on l until ctx is cancelled. Open metrics streams
// are cancelled when shutdown begins.
func (s *Server) RunWithListener(ctx context.Context, l net.Listener) error {
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("space-manager listening", "addr", l.Addr().String())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError renders err as {"error": message}. Internal causes are logged,
// never returned.
func (s *Server) respondError(c *gin.Context, err error) {
	status := apierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": apierr.MessageOf(err)})
}

var _ Lister = (*instances.Fetcher)(nil)
