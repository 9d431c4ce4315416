// Package offline implements the offline cache manager: precaching at
// install, namespace cleanup at activation, and per-request routing between
// cache, network and fallbacks.
package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dinoproject/dinocache/internal/cachestore"
	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/fetch"
	"github.com/dinoproject/dinocache/internal/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Decision records how a fetch was answered.
type Decision string

const (
	// DecisionPassthrough means the manager did not intercept; the caller
	// performs the network request itself.
	DecisionPassthrough Decision = "bypass"
	DecisionHit         Decision = "hit"
	DecisionMiss        Decision = "miss"
	// DecisionOffline means an offline document answered a navigation.
	DecisionOffline     Decision = "offline"
	DecisionUnavailable Decision = "unavailable"
)

// Revalidation outcomes.
const (
	RevalidateUpdated = "updated"
	RevalidateSkipped = "skipped"
	RevalidateFailed  = "failed"
)

const (
	defaultRevalidateTimeout   = 30 * time.Second
	defaultPrecacheConcurrency = 4
)

// BypassFunc reports requests that must always go to the network.
type BypassFunc func(req *fetch.Request) bool

// PathContains bypasses requests whose URL path contains marker, e.g. "/api/".
func PathContains(marker string) BypassFunc {
	return func(req *fetch.Request) bool {
		return strings.Contains(req.URL.Path, marker)
	}
}

// Config parameterizes a Manager.
type Config struct {
	// Version names the cache namespace this manager owns.
	Version string
	// Origin resolves relative request and precache URLs.
	Origin *url.URL
	// Precache is fetched and stored on Install, in order.
	Precache   []string
	OfflineURL string
	// Bypass defaults to PathContains("/api/").
	Bypass              BypassFunc
	PrecacheConcurrency int
	RevalidateTimeout   time.Duration
	// BuiltinOfflinePage serves an embedded page when OfflineURL is not
	// cached. When false such navigations get a 504.
	BuiltinOfflinePage bool
}

// Recorder receives manager metrics.
type Recorder interface {
	ObserveDecision(version string, d Decision)
	ObserveRevalidation(version, outcome string, d time.Duration)
	ObservePrecache(version string, entries int, d time.Duration, err error)
	ObserveActivation(version string, deleted int, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string, Decision)                  {}
func (nopRecorder) ObserveRevalidation(string, string, time.Duration) {}
func (nopRecorder) ObservePrecache(string, int, time.Duration, error) {}
func (nopRecorder) ObserveActivation(string, int, error)              {}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// Manager is the offline cache manager for one cache version. It holds no
// per-request state; all methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	store   cachestore.Store
	network fetch.Fetcher
	log     logger.Logger
	metrics Recorder

	nsMu sync.Mutex
	ns   cachestore.Namespace

	refreshes  singleflight.Group
	background sync.WaitGroup
	// retired is set once a newer manager takes over; a retired manager
	// stops writing to its namespace.
	retired atomic.Bool
}

// NewManager creates a Manager. store and network are required.
func NewManager(cfg Config, store cachestore.Store, network fetch.Fetcher, opts ...Option) (*Manager, error) {
	if cfg.Version == "" {
		return nil, configError("version must not be empty")
	}
	if store == nil || network == nil {
		return nil, configError("store and network are required")
	}
	if cfg.Bypass == nil {
		cfg.Bypass = PathContains("/api/")
	}
	if cfg.PrecacheConcurrency < 1 {
		cfg.PrecacheConcurrency = defaultPrecacheConcurrency
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = defaultRevalidateTimeout
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		network: network,
		log:     logger.NewNop(),
		metrics: nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.String("version", cfg.Version))
	return m, nil
}

func configError(msg string) error {
	return errors.Newf("offline manager: %s", msg).
		Component("offline").
		Category(errors.CategoryConfiguration).
		Build()
}

// Version returns the namespace this manager owns.
func (m *Manager) Version() string {
	return m.cfg.Version
}

// Precache returns the configured precache list.
func (m *Manager) Precache() []string {
	return append([]string(nil), m.cfg.Precache...)
}

// Install fetches every precache URL and stores them in the namespace. If
// any fetch fails or returns a non-2xx status nothing is stored.
func (m *Manager) Install(ctx context.Context) error {
	start := time.Now()
	entries := make([]cachestore.Entry, len(m.cfg.Precache))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.PrecacheConcurrency)
	for i, raw := range m.cfg.Precache {
		g.Go(func() error {
			req, err := fetch.NewRequest(http.MethodGet, raw)
			if err != nil {
				return m.precacheError(raw, err)
			}
			req = m.resolve(req)
			resp, err := m.network.Fetch(gctx, req)
			if err != nil {
				return m.precacheError(raw, err)
			}
			if !resp.OK() {
				return m.precacheError(raw, fmt.Errorf("unexpected status %d", resp.Status))
			}
			// Precached entries are served to every client.
			resp.Header.Del("Set-Cookie")
			entries[i] = cachestore.Entry{Request: req, Response: resp}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = m.commit(ctx, entries)
	}
	m.metrics.ObservePrecache(m.cfg.Version, len(entries), time.Since(start), err)
	if err != nil {
		m.log.Error("install failed", logger.Error(err))
		return err
	}

	m.log.Info("installed",
		logger.Int("entries", len(entries)),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// commit opens the namespace only after every fetch succeeded, so a failed
// install leaves no trace in the store.
func (m *Manager) commit(ctx context.Context, entries []cachestore.Entry) error {
	ns, err := m.namespace(ctx)
	if err != nil {
		return err
	}
	return ns.PutAll(ctx, entries)
}

// namespace opens the manager's namespace once and reuses the handle.
func (m *Manager) namespace(ctx context.Context) (cachestore.Namespace, error) {
	m.nsMu.Lock()
	defer m.nsMu.Unlock()
	if m.ns != nil {
		return m.ns, nil
	}
	ns, err := m.store.Open(ctx, m.cfg.Version)
	if err != nil {
		return nil, err
	}
	m.ns = ns
	return ns, nil
}

func (m *Manager) precacheError(raw string, err error) error {
	return errors.New(fmt.Errorf("precache %s: %w", raw, err)).
		Component("offline").
		Category(errors.CategoryPrecache).
		Context("version", m.cfg.Version).
		Context("url", raw).
		Build()
}

// Activate deletes every namespace other than Version. Each deletion is
// independent; failures are joined into the returned error while the others
// still proceed. Returns the deleted namespace names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.store.Keys(ctx)
	if err != nil {
		m.metrics.ObserveActivation(m.cfg.Version, 0, err)
		return nil, err
	}

	var deleted []string
	var errs []error
	for _, name := range names {
		if name == m.cfg.Version {
			continue
		}
		ok, err := m.store.Delete(ctx, name)
		if err != nil {
			m.log.Warn("failed to delete stale namespace",
				logger.String("namespace", name), logger.Error(err))
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}

	err = errors.Join(errs...)
	m.metrics.ObserveActivation(m.cfg.Version, len(deleted), err)
	if len(deleted) > 0 {
		m.log.Info("deleted stale namespaces", logger.Any("namespaces", deleted))
	}
	return deleted, err
}

// HandleFetch routes one intercepted request. With DecisionPassthrough the
// response is nil and the caller must go to the network itself. Every other
// decision carries a response; HandleFetch never fails.
func (m *Manager) HandleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, Decision) {
	resp, d := m.route(ctx, req)
	m.metrics.ObserveDecision(m.cfg.Version, d)
	return resp, d
}

func (m *Manager) route(ctx context.Context, req *fetch.Request) (*fetch.Response, Decision) {
	if req.Method != http.MethodGet {
		return nil, DecisionPassthrough
	}
	req = m.resolve(req)
	if m.cfg.Bypass(req) {
		return nil, DecisionPassthrough
	}

	ns, err := m.namespace(ctx)
	if err != nil {
		m.log.Warn("cache unavailable, using network", logger.Error(err))
	}

	if ns != nil {
		cached, err := ns.Match(ctx, req)
		if err != nil {
			m.log.Warn("cache lookup failed", logger.String("key", req.Key()), logger.Error(err))
		}
		if cached != nil {
			m.revalidate(ctx, ns, req)
			return cached, DecisionHit
		}
	}

	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		if fetch.IsOperationalError(err) {
			m.log.Debug("fetch cancelled", logger.String("key", req.Key()), logger.Error(err))
		} else {
			m.log.Info("network failed", logger.String("key", req.Key()), logger.Error(err))
		}
		if req.IsNavigation() {
			return m.offlineDocument(ctx, ns)
		}
		return Unavailable(), DecisionUnavailable
	}

	if fetch.Shareable(req, resp) && ns != nil && !m.retired.Load() {
		// The caller may hang up once it has the response.
		err := ns.Put(context.WithoutCancel(ctx), req, resp.Clone())
		switch {
		case errors.Is(err, cachestore.ErrNamespaceDeleted):
			m.log.Debug("namespace deleted before response stored", logger.String("key", req.Key()))
		case err != nil:
			m.log.Warn("failed to store response", logger.String("key", req.Key()), logger.Error(err))
		}
	}
	return resp, DecisionMiss
}

func (m *Manager) offlineDocument(ctx context.Context, ns cachestore.Namespace) (*fetch.Response, Decision) {
	if ns != nil && m.cfg.OfflineURL != "" {
		req, err := fetch.NewRequest(http.MethodGet, m.cfg.OfflineURL)
		if err == nil {
			doc, err := ns.Match(ctx, m.resolve(req))
			if err != nil {
				m.log.Warn("offline document lookup failed", logger.Error(err))
			}
			if doc != nil {
				return doc, DecisionOffline
			}
		}
	}
	m.log.Warn("offline document not cached", logger.String("url", m.cfg.OfflineURL))
	if m.cfg.BuiltinOfflinePage {
		return BuiltinOfflinePage(), DecisionOffline
	}
	return gatewayTimeout(), DecisionUnavailable
}

// revalidate refreshes req in the background. Concurrent hits on the same
// key share one network request, which never carries the credentials of
// the client that triggered it.
func (m *Manager) revalidate(ctx context.Context, ns cachestore.Namespace, req *fetch.Request) {
	req = req.WithoutCredentials()
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RevalidateTimeout)
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("revalidation panicked", logger.String("key", req.Key()), logger.Any("panic", r))
			}
		}()

		start := time.Now()
		v, _, _ := m.refreshes.Do(req.Key(), func() (any, error) {
			return m.refresh(bg, ns, req), nil
		})
		m.metrics.ObserveRevalidation(m.cfg.Version, v.(string), time.Since(start))
	}()
}

// refresh never returns an error: failures are logged and reported as an
// outcome only.
func (m *Manager) refresh(ctx context.Context, ns cachestore.Namespace, req *fetch.Request) string {
	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		m.log.Debug("revalidation failed", logger.String("key", req.Key()), logger.Error(err))
		return RevalidateFailed
	}
	if !resp.OK() || !fetch.Shareable(req, resp) || m.retired.Load() {
		return RevalidateSkipped
	}
	if err := ns.Put(ctx, req, resp); err != nil {
		if errors.Is(err, cachestore.ErrNamespaceDeleted) {
			m.log.Debug("namespace deleted before revalidation stored", logger.String("key", req.Key()))
			return RevalidateSkipped
		}
		m.log.Warn("failed to store revalidated response", logger.String("key", req.Key()), logger.Error(err))
		return RevalidateFailed
	}
	return RevalidateUpdated
}

// Wait blocks until all background revalidations have finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

func (m *Manager) retire() {
	m.retired.Store(true)
}

// resolve returns req with an absolute URL. req itself is not modified.
func (m *Manager) resolve(req *fetch.Request) *fetch.Request {
	if m.cfg.Origin == nil || req.URL.IsAbs() {
		return req
	}
	r := *req
	r.URL = m.cfg.Origin.ResolveReference(req.URL)
	return &r
}
