package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/events"
	"github.com/dinoproject/dinocache/internal/logger"
	"github.com/dinoproject/dinocache/internal/notification"
)

// maxPushBytes bounds push bodies. Web push caps payloads at 4 KiB too.
const maxPushBytes = 4096

// EventSource is the HTTP value of events.Event.Source.
const EventSource = "http"

// Push queues a push event. The body is optional JSON.
// POST /_sw/push
func (c *Controller) Push(ctx echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxPushBytes+1))
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, errorBody("failed to read body"))
	}
	if len(body) > maxPushBytes {
		return ctx.JSON(http.StatusRequestEntityTooLarge, errorBody("push payload too large"))
	}

	ok := c.deps.Bus.Publish(&events.Event{
		Kind:    events.KindPush,
		Payload: body,
		Source:  EventSource,
	})
	if !ok {
		return ctx.JSON(http.StatusServiceUnavailable, errorBody("push queue full"))
	}
	return ctx.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListNotifications returns the notifications currently shown.
// GET /_sw/notifications
func (c *Controller) ListNotifications(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.deps.Notifications.Displayed())
}

// ClickNotification handles a click: the notification is dismissed and its
// URL focused or opened.
// POST /_sw/notifications/:id/click
func (c *Controller) ClickNotification(ctx echo.Context) error {
	id := ctx.Param("id")
	url, err := c.deps.Notifications.HandleClick(ctx.Request().Context(), id)
	switch {
	case err == nil:
		return ctx.JSON(http.StatusOK, map[string]string{"url": url})
	case errors.Is(err, notification.ErrNotificationNotFound):
		return ctx.JSON(http.StatusNotFound, errorBody("notification not found"))
	default:
		c.log.Warn("failed to open notification target", logger.String("id", id), logger.Error(err))
		return ctx.JSON(http.StatusBadGateway, map[string]string{"error": "failed to open window", "url": url})
	}
}

// DismissNotification closes a notification without opening anything.
// DELETE /_sw/notifications/:id
func (c *Controller) DismissNotification(ctx echo.Context) error {
	if !c.deps.Notifications.Dismiss(ctx.Param("id")) {
		return ctx.JSON(http.StatusNotFound, errorBody("notification not found"))
	}
	return ctx.NoContent(http.StatusNoContent)
}
