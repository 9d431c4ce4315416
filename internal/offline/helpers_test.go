package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dinoproject/dinocache/internal/cachestore"
	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/fetch"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const origin = "https://dino.example"

var testPrecache = []string{"/", "/offline.html", "/encyclopedia", "/icons/icon-192x192.png"}

// fakeNetwork serves bodies by absolute URL. Unknown URLs get 404.
type fakeNetwork struct {
	mu        sync.Mutex
	bodies    map[string]string
	statuses  map[string]int
	calls     map[string]int
	headers   map[string]http.Header
	seen      map[string]http.Header
	offline   atomic.Bool
	gate      chan struct{}
	crossHost string
}

func newFakeNetwork() *fakeNetwork {
	n := &fakeNetwork{
		bodies:    make(map[string]string),
		statuses:  make(map[string]int),
		calls:     make(map[string]int),
		headers:   make(map[string]http.Header),
		seen:      make(map[string]http.Header),
		crossHost: "cdn.example",
	}
	for _, p := range testPrecache {
		n.bodies[origin+p] = "precached " + p
	}
	return n
}

func (n *fakeNetwork) set(rawURL, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[rawURL] = body
}

func (n *fakeNetwork) setStatus(rawURL string, status int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[rawURL] = status
}

// setHeader adds a response header for rawURL.
func (n *fakeNetwork) setHeader(rawURL, key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.headers[rawURL] == nil {
		n.headers[rawURL] = make(http.Header)
	}
	n.headers[rawURL].Add(key, value)
}

// lastHeader returns the headers of the last request for rawURL.
func (n *fakeNetwork) lastHeader(rawURL string) http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen[rawURL]
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	u := req.URL.String()
	n.mu.Lock()
	n.calls[u]++
	n.seen[u] = req.Header.Clone()
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.offline.Load() {
		return nil, errors.Newf("dial tcp: connection refused").
			Component("fetch").
			Category(errors.CategoryNetwork).
			Build()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	body, ok := n.bodies[u]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	if s, ok := n.statuses[u]; ok {
		status = s
	}
	typ := fetch.TypeBasic
	if req.URL.Host == n.crossHost {
		typ = fetch.TypeOpaque
	}
	header := http.Header{"Content-Type": {"text/html"}}
	for k, vs := range n.headers[u] {
		header[k] = append([]string(nil), vs...)
	}
	return &fetch.Response{
		Status: status,
		Header: header,
		Body:   []byte(body),
		Type:   typ,
		URL:    u,
	}, nil
}

// spyStore counts namespace reads and writes.
type spyStore struct {
	cachestore.Store
	matches atomic.Int32
	puts    atomic.Int32
	failDel map[string]bool
}

func (s *spyStore) Open(ctx context.Context, name string) (cachestore.Namespace, error) {
	ns, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyNamespace{Namespace: ns, spy: s}, nil
}

func (s *spyStore) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDel[name] {
		return false, fmt.Errorf("disk I/O error")
	}
	return s.Store.Delete(ctx, name)
}

type spyNamespace struct {
	cachestore.Namespace
	spy *spyStore
}

func (n *spyNamespace) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.spy.matches.Add(1)
	return n.Namespace.Match(ctx, req)
}

func (n *spyNamespace) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	n.spy.puts.Add(1)
	return n.Namespace.Put(ctx, req, resp)
}

func newSpyStore() *spyStore {
	return &spyStore{Store: cachestore.NewMemoryStore(), failDel: map[string]bool{}}
}

func newTestManager(t *testing.T, version string, store cachestore.Store, network fetch.Fetcher, mutate ...func(*Config)) *Manager {
	t.Helper()
	u, err := url.Parse(origin)
	require.NoError(t, err)
	cfg := Config{
		Version:            version,
		Origin:             u,
		Precache:           testPrecache,
		OfflineURL:         "/offline.html",
		BuiltinOfflinePage: true,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg, store, network)
	require.NoError(t, err)
	t.Cleanup(m.Wait)
	return m
}

// installed returns a manager whose precache is already stored.
func installed(t *testing.T, version string, store cachestore.Store, network *fakeNetwork) *Manager {
	t.Helper()
	m := newTestManager(t, version, store, network)
	require.NoError(t, m.Install(t.Context()))
	return m
}

func get(path string) *fetch.Request {
	return fetch.MustRequest(http.MethodGet, path)
}

// block makes every fetch wait until the returned channel is closed.
func (n *fakeNetwork) block() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gate = make(chan struct{})
	return n.gate
}
