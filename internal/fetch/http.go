package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dinoproject/dinocache/internal/errors"
)

// DefaultMaxBodyBytes caps buffered response bodies.
const DefaultMaxBodyBytes = 32 << 20

// hopHeaders are connection-scoped and never forwarded or stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher fetches over net/http. Relative URLs resolve against the origin,
// and responses from any other scheme/host are classified as opaque.
type HTTPFetcher struct {
	client       *http.Client
	origin       *url.URL
	maxBodyBytes int64
}

// NewHTTPFetcher creates a fetcher for origin. A nil client gets a default one
// with the given timeout.
func NewHTTPFetcher(origin string, client *http.Client, timeout time.Duration) (*HTTPFetcher, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid origin URL %q", origin).
			Component("fetch").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPFetcher{client: client, origin: u, maxBodyBytes: DefaultMaxBodyBytes}, nil
}

// Origin returns the origin URL.
func (f *HTTPFetcher) Origin() *url.URL {
	return f.origin
}

// Resolve turns a possibly relative URL into an absolute one on the origin.
func (f *HTTPFetcher) Resolve(u *url.URL) *url.URL {
	return f.origin.ResolveReference(u)
}

// SameOrigin reports whether u shares the origin's scheme and host.
func (f *HTTPFetcher) SameOrigin(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return u.Scheme == f.origin.Scheme && u.Host == f.origin.Host
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target := f.Resolve(req.URL)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, errors.New(err).
			Component("fetch").
			Category(errors.CategoryValidation).
			Context("url", target.String()).
			Build()
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	StripHopHeaders(httpReq.Header)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, networkError(err, req.Method, target)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, networkError(err, req.Method, target)
	}
	if int64(len(data)) > f.maxBodyBytes {
		return nil, errors.Newf("response body exceeds %d bytes", f.maxBodyBytes).
			Component("fetch").
			Category(errors.CategoryNetwork).
			Context("url", target.String()).
			Build()
	}

	header := resp.Header.Clone()
	StripHopHeaders(header)
	header.Del("Content-Length")

	// Redirects may land on another origin.
	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	respType := TypeBasic
	if !f.SameOrigin(final) {
		respType = TypeOpaque
	}

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
		Type:   respType,
		URL:    final.String(),
	}, nil
}

func networkError(err error, method string, target *url.URL) error {
	return errors.New(fmt.Errorf("fetch %s %s: %w", method, target.Redacted(), err)).
		Component("fetch").
		Category(errors.CategoryNetwork).
		Context("url", target.Redacted()).
		Build()
}

// StripHopHeaders removes connection-scoped headers in place.
func StripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// IsNetworkError reports whether err is a network-level fetch failure.
func IsNetworkError(err error) bool {
	return err != nil && errors.CategoryOf(err) == errors.CategoryNetwork
}

// IsOperationalError reports errors that reflect cancellation rather than a
// broken network, so callers can log them at a lower level.
func IsOperationalError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
