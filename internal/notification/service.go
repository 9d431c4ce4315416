package notification

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/logger"
	gocache "github.com/patrickmn/go-cache"
)

// ErrNotificationNotFound is returned when a clicked notification is not
// (or no longer) displayed.
var ErrNotificationNotFound = errors.NewStd("notification not found")

// Displayer shows a notification somewhere: in connected pages, on a chat
// service, on an MQTT topic.
type Displayer interface {
	Name() string
	Display(ctx context.Context, n *Notification) error
}

// WindowOpener focuses a page at url, or opens one.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

const (
	defaultDisplayTimeout = 10 * time.Second
	// displayedTTL bounds how long an undismissed notification stays clickable.
	displayedTTL = 24 * time.Hour
	// displayedCleanup is how often expired notifications are purged.
	displayedCleanup = time.Hour
)

// Observer counts push and click outcomes.
type Observer interface {
	ObservePush(source string, err error)
	ObserveNotificationClick(err error)
}

type nopObserver struct{}

func (nopObserver) ObservePush(string, error)      {}
func (nopObserver) ObserveNotificationClick(error) {}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Defaults   Defaults
	Displayers []Displayer
	Opener     WindowOpener
	Logger     logger.Logger
	Observer   Observer
	// Timeout bounds each displayer call.
	Timeout time.Duration
	// DisplayedTTL is how long an unclicked notification is kept, 24h by
	// default. Expired ones are purged every CleanupInterval, hourly by default.
	DisplayedTTL    time.Duration
	CleanupInterval time.Duration
}

// Service handles push and notification-click events.
type Service struct {
	defaults   Defaults
	displayers []Displayer
	opener     WindowOpener
	log        logger.Logger
	observer   Observer
	timeout    time.Duration

	// displayed holds notifications that have been shown and not dismissed.
	displayed *gocache.Cache
}

// NewService creates a Service. A nil config uses StandardDefaults and no
// displayers.
func NewService(config *ServiceConfig) *Service {
	if config == nil {
		config = &ServiceConfig{Defaults: StandardDefaults()}
	}
	s := &Service{
		defaults:   config.Defaults,
		displayers: append([]Displayer(nil), config.Displayers...),
		opener:     config.Opener,
		log:        config.Logger,
		observer:   config.Observer,
		timeout:    config.Timeout,
	}
	ttl, cleanup := config.DisplayedTTL, config.CleanupInterval
	if ttl <= 0 {
		ttl = displayedTTL
	}
	if cleanup <= 0 {
		cleanup = displayedCleanup
	}
	s.displayed = gocache.New(ttl, cleanup)
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.timeout <= 0 {
		s.timeout = defaultDisplayTimeout
	}
	return s
}

// AddDisplayer registers another displayer. Not safe to call concurrently
// with HandlePush.
func (s *Service) AddDisplayer(d Displayer) {
	s.displayers = append(s.displayers, d)
}

// SetOpener sets the window opener used on click.
func (s *Service) SetOpener(o WindowOpener) {
	s.opener = o
}

// HandlePush builds a notification from data and shows it on every
// displayer. A failing displayer does not stop the others; their errors are
// joined. The notification is returned even when some displayers failed.
func (s *Service) HandlePush(ctx context.Context, data []byte) (*Notification, error) {
	payload, err := DecodePayload(data)
	if err != nil {
		s.log.Debug("malformed push payload, using defaults", logger.Error(err))
	}
	n := Build(payload, s.defaults)
	s.displayed.Set(n.ID, n, gocache.DefaultExpiration)

	var errs []error
	for _, d := range s.displayers {
		if err := s.display(ctx, d, n); err != nil {
			s.log.Warn("failed to display notification",
				logger.String("displayer", d.Name()),
				logger.String("notification_id", n.ID),
				logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}

	s.log.Info("notification shown",
		logger.String("notification_id", n.ID),
		logger.String("title", n.Title),
		logger.Int("displayers", len(s.displayers)-len(errs)))

	if len(errs) > 0 {
		return n, errors.New(errors.Join(errs...)).
			Component("notification").
			Category(errors.CategoryNotification).
			Context("notification_id", n.ID).
			Build()
	}
	return n, nil
}

func (s *Service) display(ctx context.Context, d Displayer, n *Notification) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("displayer panicked: %v", r)
		}
	}()
	return d.Display(ctx, n)
}

// HandleClick dismisses the notification and opens its target URL. Returns
// the URL opened.
func (s *Service) HandleClick(ctx context.Context, id string) (url string, err error) {
	defer func() { s.observer.ObserveNotificationClick(err) }()

	v, ok := s.displayed.Get(id)
	if !ok {
		return "", ErrNotificationNotFound
	}
	s.displayed.Delete(id)
	n := v.(*Notification)

	url = n.Data.URL
	if url == "" {
		url = "/"
	}
	if s.opener == nil {
		s.log.Warn("no window opener configured", logger.String("url", url))
		return url, nil
	}
	if err := s.opener.OpenWindow(ctx, url); err != nil {
		return url, errors.New(err).
			Component("notification").
			Category(errors.CategoryNotification).
			Context("url", url).
			Build()
	}
	return url, nil
}

// Dismiss removes a notification without opening anything.
func (s *Service) Dismiss(id string) bool {
	if _, ok := s.displayed.Get(id); !ok {
		return false
	}
	s.displayed.Delete(id)
	return true
}

// Displayed returns the notifications currently shown.
func (s *Service) Displayed() []*Notification {
	items := s.displayed.Items()
	out := make([]*Notification, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(*Notification))
	}
	slices.SortFunc(out, func(a, b *Notification) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}
