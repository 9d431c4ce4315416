package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dinoproject/dinocache/internal/fetch"
	"github.com/dinoproject/dinocache/internal/offline"
)

// HeaderDecision tells clients how a response was produced.
const HeaderDecision = "X-Dinocache"

// requestOnlyHeaders are not forwarded on cacheable fetches. Conditional
// headers would let the origin answer 304, which cannot be cached, and the
// client transport negotiates its own encoding.
var requestOnlyHeaders = []string{
	"Accept-Encoding",
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"If-Unmodified-Since",
	"Range",
}

// handleFetch routes every request not claimed by another route.
func (s *Server) handleFetch(c echo.Context) error {
	return s.serveFetch(c, nil)
}

// serveFetch asks the registry for a response and falls back to proxying.
// override, when set, adjusts response headers right before they are sent.
func (s *Server) serveFetch(c echo.Context, override func(http.Header)) error {
	r := c.Request()
	req := toFetchRequest(r)

	resp, decision := s.registry.HandleFetch(r.Context(), req)

	c.Response().Before(func() {
		h := c.Response().Header()
		if override != nil {
			override(h)
		}
		h.Set(HeaderDecision, string(decision))
	})

	if decision == offline.DecisionPassthrough {
		return s.passthrough(c)
	}
	return writeResponse(c, resp)
}

// toFetchRequest converts r without reading its body; bodies only matter
// for passthrough, which streams the original request.
func toFetchRequest(r *http.Request) *fetch.Request {
	header := r.Header.Clone()
	for _, k := range requestOnlyHeaders {
		header.Del(k)
	}
	fetch.StripHopHeaders(header)

	mode := fetch.ModeNoCORS
	if isNavigation(r) {
		mode = fetch.ModeNavigate
	}
	return &fetch.Request{
		Method: r.Method,
		URL:    &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery},
		Header: header,
		Mode:   mode,
	}
}

// isNavigation reports requests that load a document. Browsers send
// Sec-Fetch-Mode; older clients are recognized by asking for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == string(fetch.ModeNavigate)
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeResponse(c echo.Context, resp *fetch.Response) error {
	h := c.Response().Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	fetch.StripHopHeaders(h)
	h.Del("Content-Length")

	c.Response().WriteHeader(resp.Status)
	if !bodyAllowed(resp.Status) || c.Request().Method == http.MethodHead {
		return nil
	}
	_, err := c.Response().Write(resp.Body)
	return err
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
