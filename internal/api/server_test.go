package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dinoproject/dinocache/internal/cachestore"
	"github.com/dinoproject/dinocache/internal/fetch"
	"github.com/dinoproject/dinocache/internal/observability/metrics"
	"github.com/dinoproject/dinocache/internal/offline"
)

var sitePrecache = []string{"/", "/offline.html", "/encyclopedia", "/sw.js"}

// origin is the upstream DinoProject site.
type origin struct {
	*httptest.Server
	mu    sync.Mutex
	hits  map[string]int
	bodys map[string]string
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: make(map[string]int), bodys: make(map[string]string)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.Path]++
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			o.bodys[r.URL.Path] = string(b)
		}
		o.mu.Unlock()

		switch {
		case r.URL.Path == "/sw.js":
			w.Header().Set("Content-Type", "text/javascript")
			w.Header().Set("Cache-Control", "max-age=3600")
			_, _ = io.WriteString(w, "self.addEventListener('fetch', () => {})")
		case r.URL.Path == "/dashboard":
			user := "guest"
			if c, err := r.Cookie("session"); err == nil {
				user = c.Value
			}
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Cache-Control", "private, no-store")
			http.SetCookie(w, &http.Cookie{Name: "session", Value: user})
			_, _ = io.WriteString(w, "dashboard of "+user)
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"dinosaurs":3}`)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "page "+r.URL.Path)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) hitCount(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

type frontEnd struct {
	server   *Server
	registry *offline.Registry
	origin   *origin
	metrics  *metrics.Metrics
}

// newFrontEnd starts a front end for a fresh origin. With install set the
// precache is installed and active.
func newFrontEnd(t *testing.T, install bool) *frontEnd {
	t.Helper()
	o := newOrigin(t)
	u, err := url.Parse(o.URL)
	require.NoError(t, err)

	m, err := metrics.NewMetrics()
	require.NoError(t, err)

	registry := offline.NewRegistry(offline.WithSkipWaiting(true))
	t.Cleanup(registry.Wait)

	srv, err := NewServer(Config{Origin: u, Metrics: m.Handler()}, registry)
	require.NoError(t, err)

	if install {
		network, err := fetch.NewHTTPFetcher(o.URL, o.Client(), 0)
		require.NoError(t, err)
		mgr, err := offline.NewManager(offline.Config{
			Version:            "dinoproject-v1",
			Origin:             u,
			Precache:           sitePrecache,
			OfflineURL:         "/offline.html",
			BuiltinOfflinePage: true,
		}, cachestore.NewMemoryStore(), network, offline.WithRecorder(m))
		require.NoError(t, err)
		require.NoError(t, registry.Register(t.Context(), mgr))
	}
	return &frontEnd{server: srv, registry: registry, origin: o, metrics: m}
}

func (f *frontEnd) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func navigate(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return req
}

func TestServer_NoActiveVersionProxies(t *testing.T) {
	f := newFrontEnd(t, false)

	rec := f.do(navigate("/encyclopedia"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "page /encyclopedia", rec.Body.String())
	assert.Equal(t, 1, f.origin.hitCount("GET /encyclopedia"))
}

func TestServer_PrecachedNavigationIsHit(t *testing.T) {
	f := newFrontEnd(t, true)

	rec := f.do(navigate("/encyclopedia"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "page /encyclopedia", rec.Body.String())
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))

	// Installed once, then refreshed in the background after the hit.
	f.registry.Wait()
	assert.Equal(t, 2, f.origin.hitCount("GET /encyclopedia"))
}

func TestServer_MissIsStoredAndServedFromCache(t *testing.T) {
	f := newFrontEnd(t, true)

	rec := f.do(navigate("/quizzes"))
	assert.Equal(t, "miss", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "page /quizzes", rec.Body.String())

	rec = f.do(navigate("/quizzes"))
	assert.Equal(t, "hit", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "page /quizzes", rec.Body.String())
}

func TestServer_PersonalPagesAreNotShared(t *testing.T) {
	f := newFrontEnd(t, true)

	for _, user := range []string{"alice", "bob"} {
		req := navigate("/dashboard")
		req.AddCookie(&http.Cookie{Name: "session", Value: user})
		rec := f.do(req)

		assert.Equal(t, "miss", rec.Header().Get(HeaderDecision))
		assert.Equal(t, "dashboard of "+user, rec.Body.String())
		assert.Equal(t, "session="+user, rec.Header().Get("Set-Cookie"))
	}
	assert.Equal(t, 2, f.origin.hitCount("GET /dashboard"))
}

func TestServer_APIBypassesCache(t *testing.T) {
	f := newFrontEnd(t, true)

	for range 2 {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/dinosaurs", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "bypass", rec.Header().Get(HeaderDecision))
		assert.JSONEq(t, `{"dinosaurs":3}`, rec.Body.String())
	}
	assert.Equal(t, 2, f.origin.hitCount("GET /api/dinosaurs"))
}

func TestServer_PostIsProxiedWithBody(t *testing.T) {
	f := newFrontEnd(t, true)

	req := httptest.NewRequest(http.MethodPost, "/quiz/answers", strings.NewReader("q1=trex"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)

	assert.Equal(t, "bypass", rec.Header().Get(HeaderDecision))
	assert.Equal(t, 1, f.origin.hitCount("POST /quiz/answers"))
	f.origin.mu.Lock()
	defer f.origin.mu.Unlock()
	assert.Equal(t, "q1=trex", f.origin.bodys["/quiz/answers"])
}

func TestServer_WorkerScriptHeaders(t *testing.T) {
	f := newFrontEnd(t, true)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/sw.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "/", rec.Header().Get("Service-Worker-Allowed"))
}

func TestServer_ManifestIsNotCachedByBrowsers(t *testing.T) {
	f := newFrontEnd(t, false)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/manifest.webmanifest", nil))
	assert.Equal(t, "bypass", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestServer_OfflineFallbacks(t *testing.T) {
	f := newFrontEnd(t, true)
	f.registry.Wait()
	f.origin.Close()

	rec := f.do(navigate("/quizzes"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "page /offline.html", rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/images/stegosaurus.png", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", rec.Header().Get(HeaderDecision))

	// Precached pages keep working.
	rec = f.do(navigate("/encyclopedia"))
	assert.Equal(t, "hit", rec.Header().Get(HeaderDecision))
	assert.Equal(t, "page /encyclopedia", rec.Body.String())
}

func TestServer_HeadHasNoBody(t *testing.T) {
	f := newFrontEnd(t, true)

	rec := f.do(httptest.NewRequest(http.MethodHead, "/encyclopedia", nil))
	assert.Equal(t, "bypass", rec.Header().Get(HeaderDecision))
	assert.Empty(t, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	f := newFrontEnd(t, true)
	f.do(navigate("/encyclopedia"))
	f.registry.Wait()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(),
		`dinocache_fetch_decisions_total{decision="hit",version="dinoproject-v1"} 1`)
	assert.Contains(t, rec.Body.String(), "dinocache_install_precache_entries")
}

func TestToFetchRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/shop?page=2", nil)
	r.Header.Set("Accept", "text/html")
	r.Header.Set("If-None-Match", `"abc"`)
	r.Header.Set("Accept-Encoding", "gzip")
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("X-Trace", "1")

	req := toFetchRequest(r)
	assert.Equal(t, "GET /shop?page=2", req.Key())
	assert.True(t, req.IsNavigation())
	assert.Empty(t, req.Header.Get("If-None-Match"))
	assert.Empty(t, req.Header.Get("Accept-Encoding"))
	assert.Empty(t, req.Header.Get("Connection"))
	assert.Equal(t, "1", req.Header.Get("X-Trace"))

	r = httptest.NewRequest(http.MethodGet, "/logo.png", nil)
	r.Header.Set("Sec-Fetch-Mode", "no-cors")
	r.Header.Set("Accept", "text/html")
	assert.False(t, toFetchRequest(r).IsNavigation())
}

func TestNewServer_RequiresAbsoluteOrigin(t *testing.T) {
	t.Parallel()
	_, err := NewServer(Config{Origin: &url.URL{Path: "/relative"}}, offline.NewRegistry())
	require.Error(t, err)
}
