package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/logger"
	"github.com/dinoproject/dinocache/internal/offline"
)

// StatusResponse is returned by GET /_sw/status and the lifecycle actions.
type StatusResponse struct {
	offline.Status
	Entries int `json:"entries"`
	Clients int `json:"clients"`
}

// NamespaceInfo describes one cache namespace.
type NamespaceInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Active  bool   `json:"active"`
}

// ActivateResponse is returned by POST /_sw/activate.
type ActivateResponse struct {
	StatusResponse
	Deleted []string `json:"deleted,omitempty"`
	Claimed int      `json:"claimed"`
}

// GetStatus reports the lifecycle state.
// GET /_sw/status
func (c *Controller) GetStatus(ctx echo.Context) error {
	resp, err := c.status(ctx.Request().Context())
	if err != nil {
		c.log.Error("failed to read cache status", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, errorBody("failed to read cache status"))
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (c *Controller) status(ctx context.Context) (StatusResponse, error) {
	resp := StatusResponse{Status: c.deps.Registry.Status()}
	if c.deps.Hub != nil {
		resp.Clients = len(c.deps.Hub.Clients())
	}
	if resp.ActiveVersion == "" {
		return resp, nil
	}
	n, err := c.countEntries(ctx, resp.ActiveVersion)
	resp.Entries = n
	return resp, err
}

func (c *Controller) countEntries(ctx context.Context, name string) (int, error) {
	ok, err := c.deps.Store.Has(ctx, name)
	if err != nil || !ok {
		return 0, err
	}
	ns, err := c.deps.Store.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	return ns.Len(ctx)
}

// ListNamespaces lists every cache namespace with its entry count.
// GET /_sw/namespaces
func (c *Controller) ListNamespaces(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	names, err := c.deps.Store.Keys(reqCtx)
	if err != nil {
		c.log.Error("failed to list namespaces", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, errorBody("failed to list namespaces"))
	}

	active := c.deps.Registry.Status().ActiveVersion
	out := make([]NamespaceInfo, 0, len(names))
	for _, name := range names {
		n, err := c.countEntries(reqCtx, name)
		if err != nil {
			c.log.Error("failed to count entries", logger.String("namespace", name), logger.Error(err))
			return ctx.JSON(http.StatusInternalServerError, errorBody("failed to list namespaces"))
		}
		out = append(out, NamespaceInfo{Name: name, Entries: n, Active: name == active})
	}
	return ctx.JSON(http.StatusOK, out)
}

// Install registers and installs a cache version, by default the
// configured one.
// POST /_sw/install?version=
func (c *Controller) Install(ctx echo.Context) error {
	version := ctx.QueryParam("version")
	if version == "" {
		version = c.deps.DefaultVersion
	}

	m, err := c.deps.NewManager(version)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	reqCtx := ctx.Request().Context()
	if err := c.deps.Registry.Register(reqCtx, m); err != nil {
		c.log.Warn("install failed", logger.String("version", version), logger.Error(err))
		return ctx.JSON(http.StatusConflict, errorBody(err.Error()))
	}
	c.log.Info("install finished", logger.String("version", version))

	resp, err := c.status(reqCtx)
	if err != nil {
		c.log.Warn("failed to count entries after install", logger.Error(err))
	}
	return ctx.JSON(http.StatusOK, resp)
}

// Activate activates the waiting version. With nothing waiting it reruns
// cleanup and claims clients for the active version.
// POST /_sw/activate
func (c *Controller) Activate(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	var resp ActivateResponse

	err := c.deps.Registry.SkipWaiting(reqCtx)
	switch {
	case err == nil:
	case errors.Is(err, offline.ErrNothingWaiting):
		deleted, err := c.deps.Registry.Activate(reqCtx)
		if errors.Is(err, offline.ErrNoActiveVersion) {
			return ctx.JSON(http.StatusConflict, errorBody("nothing installed to activate"))
		}
		if err != nil {
			c.log.Warn("stale namespace cleanup incomplete", logger.Error(err))
		}
		resp.Deleted = deleted
		if resp.Claimed, err = c.deps.Registry.Claim(reqCtx); err != nil {
			c.log.Warn("claiming clients failed", logger.Error(err))
		}
	default:
		c.log.Error("activation failed", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	status, err := c.status(reqCtx)
	if err != nil {
		c.log.Warn("failed to count entries after activation", logger.Error(err))
	}
	resp.StatusResponse = status
	if resp.Claimed == 0 {
		resp.Claimed = status.Clients
	}
	return ctx.JSON(http.StatusOK, resp)
}
