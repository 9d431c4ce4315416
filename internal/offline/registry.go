package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/fetch"
	"github.com/dinoproject/dinocache/internal/logger"
)

// State is the registry lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
)

// Lifecycle errors.
var (
	ErrNothingWaiting  = errors.NewStd("no installed version is waiting")
	ErrNoActiveVersion = errors.NewStd("no active version")
)

// StateStore persists lifecycle transitions.
type StateStore interface {
	StartInstall(version string) error
	MarkInstalled(version string) error
	Activate(version string) error
	FailInstall(version string, cause error) error
	RestoreWaiting(failed, waiting string, cause error) error
	ActiveVersion() (string, error)
}

// ClientClaimer takes control of connected pages for a version.
type ClientClaimer interface {
	Claim(ctx context.Context, version string) (int, error)
}

// Status is a snapshot of the registry.
type Status struct {
	State             State      `json:"state"`
	ActiveVersion     string     `json:"active_version,omitempty"`
	InstallingVersion string     `json:"installing_version,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStateStore persists transitions in s.
func WithStateStore(s StateStore) RegistryOption {
	return func(r *Registry) { r.states = s }
}

// WithClaimer claims connected clients on activation.
func WithClaimer(c ClientClaimer) RegistryOption {
	return func(r *Registry) { r.claimer = c }
}

// WithSkipWaiting activates every successful install immediately.
func WithSkipWaiting(skip bool) RegistryOption {
	return func(r *Registry) { r.skipWaiting = skip }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// Registry holds the active manager and the one being installed. Fetches
// always go to whatever manager is active at the time of the call; swapping
// it is a single atomic store.
type Registry struct {
	active     atomic.Pointer[Manager]
	installing atomic.Pointer[Manager]

	// installMu serializes Register calls. It is held across precache
	// fetches; mu is not.
	installMu sync.Mutex
	// mu guards lifecycle transitions, never fetches.
	mu          sync.Mutex
	state       State
	lastError   string
	activatedAt *time.Time

	states      StateStore
	claimer     ClientClaimer
	skipWaiting bool
	log         logger.Logger
}

// NewRegistry creates an idle Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{state: StateIdle, log: logger.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Active returns the active manager, or nil.
func (r *Registry) Active() *Manager {
	return r.active.Load()
}

// Installing returns the manager being installed or waiting, or nil.
func (r *Registry) Installing() *Manager {
	return r.installing.Load()
}

// Status returns a snapshot of the lifecycle.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{State: r.state, LastError: r.lastError, ActivatedAt: r.activatedAt}
	if m := r.active.Load(); m != nil {
		s.ActiveVersion = m.Version()
	}
	if m := r.installing.Load(); m != nil {
		s.InstallingVersion = m.Version()
	}
	return s
}

// HandleFetch routes req through the active manager. Without one every
// request passes through.
func (r *Registry) HandleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, Decision) {
	m := r.active.Load()
	if m == nil {
		return nil, DecisionPassthrough
	}
	return m.HandleFetch(ctx, req)
}

// Resume makes m active without installing it when the persisted state says
// its version was the active one and its namespace still exists. Returns
// false when a fresh install is needed.
func (r *Registry) Resume(ctx context.Context, m *Manager) (bool, error) {
	if r.states == nil {
		return false, nil
	}
	version, err := r.states.ActiveVersion()
	if err != nil {
		return false, err
	}
	if version != m.Version() {
		return false, nil
	}
	ok, err := m.store.Has(ctx, version)
	if err != nil || !ok {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active.Store(m)
	if r.state == StateIdle {
		r.state = StateActive
	}
	r.log.Info("resumed active version", logger.String("version", version))
	return true, nil
}

// Register installs m. On success m waits for activation, or is activated
// right away when skip-waiting is enabled. Registering the version that is
// already active is a no-op. On failure the previously active manager stays
// in force, and a version that was waiting keeps waiting.
func (r *Registry) Register(ctx context.Context, m *Manager) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	waiting, started, err := r.startInstall(m)
	if err != nil || !started {
		return err
	}

	installErr := m.Install(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if installErr != nil {
		r.failInstallLocked(m, waiting, installErr)
		return installErr
	}

	r.lastError = ""
	if err := r.persist(func(s StateStore) error { return s.MarkInstalled(m.Version()) }); err != nil {
		r.installing.Store(nil)
		r.state = r.settledState()
		return err
	}
	r.state = StateWaiting

	if r.skipWaiting {
		return r.activateLocked(ctx)
	}
	return nil
}

// startInstall marks m as installing. It returns the waiting manager m
// supersedes, and false when m's version is already active.
func (r *Registry) startInstall(m *Manager) (*Manager, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.active.Load(); cur != nil && cur.Version() == m.Version() {
		r.log.Debug("version already active", logger.String("version", m.Version()))
		return nil, false, nil
	}
	if err := r.persist(func(s StateStore) error { return s.StartInstall(m.Version()) }); err != nil {
		return nil, false, err
	}

	var waiting *Manager
	if r.state == StateWaiting {
		waiting = r.installing.Load()
		r.log.Info("installing over waiting version",
			logger.String("waiting", waiting.Version()),
			logger.String("version", m.Version()))
	}
	r.installing.Store(m)
	r.state = StateInstalling
	return waiting, true, nil
}

// failInstallLocked abandons m and puts back the manager that was waiting
// before it, if any. Requires r.mu.
func (r *Registry) failInstallLocked(m, waiting *Manager, cause error) {
	r.lastError = cause.Error()

	if waiting == nil {
		r.installing.Store(nil)
		r.state = r.settledState()
		_ = r.persist(func(s StateStore) error { return s.FailInstall(m.Version(), cause) })
		return
	}

	r.installing.Store(waiting)
	r.state = StateWaiting
	if err := r.persist(func(s StateStore) error {
		return s.RestoreWaiting(m.Version(), waiting.Version(), cause)
	}); err != nil {
		r.log.Warn("persisting restored waiting version failed", logger.Error(err))
	}
	r.log.Info("install failed, previous version still waiting",
		logger.String("version", m.Version()),
		logger.String("waiting", waiting.Version()))
}

// SkipWaiting activates the waiting manager immediately, superseding the
// active one.
func (r *Registry) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateWaiting {
		return ErrNothingWaiting
	}
	return r.activateLocked(ctx)
}

// activateLocked swaps the waiting manager in, removes stale namespaces and
// claims clients. Requires r.mu.
func (r *Registry) activateLocked(ctx context.Context) error {
	next := r.installing.Load()
	if next == nil {
		return ErrNothingWaiting
	}
	if err := r.persist(func(s StateStore) error { return s.Activate(next.Version()) }); err != nil {
		return err
	}

	prev := r.active.Swap(next)
	r.installing.Store(nil)
	if prev != nil {
		prev.retire()
	}
	now := time.Now().UTC()
	r.activatedAt = &now
	r.state = StateActive
	r.log.Info("activated", logger.String("version", next.Version()))

	// Cleanup is best effort; the swap has already happened.
	if _, err := next.Activate(ctx); err != nil {
		r.lastError = err.Error()
		r.log.Warn("stale namespace cleanup incomplete", logger.Error(err))
	}

	if r.claimer != nil {
		n, err := r.claimer.Claim(ctx, next.Version())
		if err != nil {
			r.log.Warn("claiming clients failed", logger.Error(err))
		} else {
			r.log.Info("claimed clients", logger.Int("clients", n))
		}
	}
	return nil
}

// Activate reruns stale namespace cleanup for the active manager. It is
// idempotent.
func (r *Registry) Activate(ctx context.Context) ([]string, error) {
	m := r.active.Load()
	if m == nil {
		return nil, ErrNoActiveVersion
	}
	return m.Activate(ctx)
}

// Claim asks the claimer to take over connected clients for the active version.
func (r *Registry) Claim(ctx context.Context) (int, error) {
	m := r.active.Load()
	if m == nil || r.claimer == nil {
		return 0, nil
	}
	return r.claimer.Claim(ctx, m.Version())
}

// Wait blocks until background work of the active and installing managers
// has finished.
func (r *Registry) Wait() {
	if m := r.active.Load(); m != nil {
		m.Wait()
	}
	if m := r.installing.Load(); m != nil {
		m.Wait()
	}
}

func (r *Registry) settledState() State {
	if r.active.Load() != nil {
		return StateActive
	}
	return StateIdle
}

func (r *Registry) persist(fn func(StateStore) error) error {
	if r.states == nil {
		return nil
	}
	if err := fn(r.states); err != nil {
		return errors.New(err).
			Component("offline").
			Category(errors.CategoryStorage).
			Context("operation", "persist_state").
			Build()
	}
	return nil
}
