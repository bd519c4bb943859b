// Package server exposes the resolution boundary over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/service"
)

// Options wires a Server. Service is required.
type Options struct {
	Service *service.Service

	// Stream serves the websocket event stream at /v1/stream when set.
	Stream http.Handler

	Config      config.ServerConfig
	ServiceName string
	Logger      logrus.FieldLogger
}

// Server is the HTTP adapter.
type Server struct {
	svc    *service.Service
	cfg    config.ServerConfig
	log    logrus.FieldLogger
	router *gin.Engine
}

// New builds the router. Routes under /v1 are authenticated and rate
// limited; /healthz and /metrics are not.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("server: service is required")
	}
	if err := registerValidators(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "entityres"
	}
	s := &Server{
		svc: opts.Service,
		cfg: opts.Config,
		log: opts.Logger.WithField("component", "http"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders(), otelgin.Middleware(opts.ServiceName), requestLogger(s.log))
	if len(opts.Config.CORSOrigins) > 0 {
		r.Use(corsMiddleware(opts.Config.CORSOrigins))
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", RequireAuth(opts.Config.APIToken), NewRateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst).Middleware())
	s.routes(v1)
	if opts.Stream != nil {
		v1.GET("/stream", gin.WrapH(opts.Stream))
	}
	s.router = r
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// within the configured budget. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.WithField("addr", ln.Addr().String()).Info("http server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
