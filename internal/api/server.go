// Package api is the HTTP front end: every request becomes a fetch event for
// the active offline cache manager.
package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/logger"
	"github.com/dinoproject/dinocache/internal/offline"
)

const defaultShutdownTimeout = 10 * time.Second

// Config configures the Server.
type Config struct {
	Listen string
	// Origin receives passthrough traffic.
	Origin *url.URL
	// Metrics is served on MetricsPath when set.
	Metrics         http.Handler
	MetricsPath     string
	ShutdownTimeout time.Duration
	Logger          logger.Logger
}

// Server wraps the echo instance.
type Server struct {
	echo        *echo.Echo
	cfg         Config
	registry    *offline.Registry
	passthrough echo.HandlerFunc
	log         logger.Logger
}

// NewServer builds the server and registers the PWA, metrics and catch-all
// routes. Control routes are added by the caller through Echo().
func NewServer(cfg Config, registry *offline.Registry) (*Server, error) {
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, errors.Newf("origin must be an absolute URL").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		cfg:      cfg,
		registry: registry,
		log:      cfg.Logger,
	}
	s.passthrough = newPassthrough(cfg.Origin)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(cfg.Metrics))
	}
	s.registerPWARoutes()
	e.Any("/*", s.handleFetch)
	return s, nil
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// ServeHTTP lets the server be used as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logger.String("addr", s.cfg.Listen))
		errCh <- s.echo.Start(s.cfg.Listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("addr", s.cfg.Listen).
			Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("shutting down http server")
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
				logger.String("request_id", v.RequestID),
			}
			if d := c.Response().Header().Get(HeaderDecision); d != "" {
				fields = append(fields, logger.String("decision", d))
			}
			if v.Error != nil {
				s.log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	})
}

// newPassthrough proxies requests unchanged to the origin.
func newPassthrough(origin *url.URL) echo.HandlerFunc {
	proxy := middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{Name: "origin", URL: origin}}),
	})
	return proxy(func(echo.Context) error { return nil })
}
