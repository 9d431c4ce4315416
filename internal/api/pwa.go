package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// registerPWARoutes serves the manifest and the worker script. They go
// through the cache like everything else but are never cached by browsers,
// so a new version is picked up on the next load.
func (s *Server) registerPWARoutes() {
	s.echo.GET("/manifest.webmanifest", func(c echo.Context) error {
		return s.serveFetch(c, noCache)
	})

	// The worker script scopes the whole site.
	s.echo.GET("/sw.js", func(c echo.Context) error {
		return s.serveFetch(c, func(h http.Header) {
			noCache(h)
			h.Set("Service-Worker-Allowed", "/")
		})
	})
}

func noCache(h http.Header) {
	h.Set("Cache-Control", "no-cache")
}
