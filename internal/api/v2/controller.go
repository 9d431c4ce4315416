// Package api is the control API under /_sw: lifecycle, cache inspection,
// push and notification clicks, and the WebSocket for connected pages.
package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/dinoproject/dinocache/internal/cachestore"
	"github.com/dinoproject/dinocache/internal/clients"
	"github.com/dinoproject/dinocache/internal/events"
	"github.com/dinoproject/dinocache/internal/logger"
	"github.com/dinoproject/dinocache/internal/notification"
	"github.com/dinoproject/dinocache/internal/offline"
)

// Prefix is where the control API is mounted.
const Prefix = "/_sw"

const (
	defaultPushRateLimit = 30
	rateLimitWindow      = time.Minute
)

// ManagerFactory builds a manager for a cache version.
type ManagerFactory func(version string) (*offline.Manager, error)

// Deps are the collaborators of the Controller.
type Deps struct {
	Registry       *offline.Registry
	Store          cachestore.Store
	NewManager     ManagerFactory
	DefaultVersion string
	Notifications  *notification.Service
	Bus            *events.Bus
	Hub            *clients.Hub
	// PushRateLimit is requests per minute per client IP.
	PushRateLimit int
	// Token is the bearer token for every route except the page WebSocket.
	// When empty those routes answer 403.
	Token  string
	Logger logger.Logger
}

// Controller handles /_sw routes.
type Controller struct {
	Group     *echo.Group
	protected *echo.Group
	auth      echo.MiddlewareFunc
	deps      Deps
	log       logger.Logger
}

// New mounts the control API on e.
func New(e *echo.Echo, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.PushRateLimit <= 0 {
		deps.PushRateLimit = defaultPushRateLimit
	}
	c := &Controller{
		Group: e.Group(Prefix),
		deps:  deps,
		log:   deps.Logger.With(logger.String("component", "control_api")),
	}
	c.auth = c.newAuth()
	c.protected = c.Group.Group("", c.authMiddleware)
	if deps.Token == "" {
		c.log.Warn("control.token is not set, control API is disabled")
	}
	c.initLifecycleRoutes()
	c.initPushRoutes()
	c.initClientRoutes()
	return c
}

func (c *Controller) initLifecycleRoutes() {
	c.protected.GET("/status", c.GetStatus)
	c.protected.GET("/namespaces", c.ListNamespaces)
	c.protected.POST("/install", c.Install)
	c.protected.POST("/activate", c.Activate)
}

func (c *Controller) initPushRoutes() {
	limiter := middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(float64(c.deps.PushRateLimit) / rateLimitWindow.Seconds()),
				Burst:     c.deps.PushRateLimit,
				ExpiresIn: rateLimitWindow,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, _ error) error {
			return ctx.JSON(http.StatusForbidden, errorBody("unable to identify client"))
		},
		DenyHandler: func(ctx echo.Context, _ string, _ error) error {
			return ctx.JSON(http.StatusTooManyRequests, errorBody("too many push requests, please wait before trying again"))
		},
	})

	c.protected.POST("/push", c.Push, limiter)

	notifications := c.protected.Group("/notifications")
	notifications.GET("", c.ListNotifications)
	notifications.POST("/:id/click", c.ClickNotification)
	notifications.DELETE("/:id", c.DismissNotification)
}

func (c *Controller) initClientRoutes() {
	c.protected.GET("/clients", c.ListClients)
	// Pages connect here from the browser, so it cannot carry the token.
	c.Group.GET("/clients/ws", c.ClientSocket)
}

// authMiddleware requires the control token as a bearer token.
func (c *Controller) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return c.auth(next)
}

func (c *Controller) newAuth() echo.MiddlewareFunc {
	if c.deps.Token == "" {
		return func(echo.HandlerFunc) echo.HandlerFunc {
			return func(ctx echo.Context) error {
				return ctx.JSON(http.StatusForbidden, errorBody("control API is disabled, set control.token to enable it"))
			}
		}
	}

	token := []byte(c.deps.Token)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), token) == 1, nil
		},
		ErrorHandler: func(err error, ctx echo.Context) error {
			c.log.Warn("control request rejected",
				logger.String("path", ctx.Request().URL.Path),
				logger.String("ip", ctx.RealIP()),
				logger.Error(err))
			ctx.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="dinocache"`)
			return ctx.JSON(http.StatusUnauthorized, errorBody("missing or invalid control token"))
		},
	})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
