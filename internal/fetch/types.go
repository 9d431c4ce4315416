// Package fetch defines the request and response values exchanged between the
// offline cache manager, the cache store and the network.
package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode mirrors the browser request mode. Only navigate matters for routing.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// ResponseType tells whether a response may be inspected and stored.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeOpaque is a cross-origin response whose status cannot be trusted.
	TypeOpaque ResponseType = "opaque"
	// TypeSynthetic is generated locally (offline fallbacks, 503s).
	TypeSynthetic ResponseType = "synthetic"
)

// Request is an intercepted request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Mode   Mode
	Body   []byte
}

// NewRequest parses rawURL, which may be relative to the origin.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: strings.ToUpper(method), URL: u, Header: make(http.Header)}, nil
}

// MustRequest is NewRequest for literals known to parse.
func MustRequest(method, rawURL string) *Request {
	r, err := NewRequest(method, rawURL)
	if err != nil {
		panic(err)
	}
	return r
}

// Navigate returns r marked as a navigation request.
func (r *Request) Navigate() *Request {
	r.Mode = ModeNavigate
	return r
}

// IsNavigation reports whether r loads a full document.
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// Key identifies the cache entry for r: method and URL without fragment.
func (r *Request) Key() string {
	return KeyFor(r.Method, r.URL)
}

// KeyFor builds a cache key from its parts.
func KeyFor(method string, u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return strings.ToUpper(method) + " " + clean.String()
}

// Response is a fully buffered response. Bodies are byte slices so a response
// can be cloned for storage and still be returned to the caller.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	URL      string
	StoredAt time.Time
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Clone deep-copies r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Body = bytes.Clone(r.Body)
	return &c
}

// Fetcher performs network requests. Implementations return an error only
// for network-level failures; HTTP error statuses are ordinary responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
