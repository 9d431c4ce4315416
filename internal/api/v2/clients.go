package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dinoproject/dinocache/internal/clients"
)

// ListClients lists connected pages.
// GET /_sw/clients
func (c *Controller) ListClients(ctx echo.Context) error {
	if c.deps.Hub == nil {
		return ctx.JSON(http.StatusOK, []clients.Info{})
	}
	return ctx.JSON(http.StatusOK, c.deps.Hub.Clients())
}

// ClientSocket upgrades to the page WebSocket. The connection is hijacked,
// so nothing may be written to the response afterwards.
// GET /_sw/clients/ws
func (c *Controller) ClientSocket(ctx echo.Context) error {
	if c.deps.Hub == nil {
		return ctx.JSON(http.StatusServiceUnavailable, errorBody("clients hub not available"))
	}
	c.deps.Hub.ServeHTTP(ctx.Response(), ctx.Request())
	return nil
}
