package notification

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/events"
)

type fakeDisplayer struct {
	name  string
	err   error
	panic bool
	delay time.Duration

	mu   sync.Mutex
	seen []*Notification
}

func (d *fakeDisplayer) Name() string { return d.name }

func (d *fakeDisplayer) Display(ctx context.Context, n *Notification) error {
	if d.panic {
		panic("display exploded")
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.seen = append(d.seen, n)
	d.mu.Unlock()
	return d.err
}

func (d *fakeDisplayer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (o *fakeOpener) OpenWindow(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, url)
	return o.err
}

func (o *fakeOpener) urls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

func newTestService(displayers ...Displayer) (*Service, *fakeOpener) {
	opener := &fakeOpener{}
	return NewService(&ServiceConfig{
		Defaults:   StandardDefaults(),
		Displayers: displayers,
		Opener:     opener,
		Timeout:    time.Second,
	}), opener
}

func TestService_PushWithoutPayloadShowsDefaults(t *testing.T) {
	t.Parallel()
	d := &fakeDisplayer{name: "page"}
	s, _ := newTestService(d)

	n, err := s.HandlePush(t.Context(), nil)
	require.NoError(t, err)

	assert.Equal(t, "DinoProject", n.Title)
	assert.Equal(t, "You have a new update from DinoProject!", n.Body)
	assert.Equal(t, "/", n.Data.URL)
	assert.Equal(t, 1, d.count())
	assert.Len(t, s.Displayed(), 1)
}

func TestService_MalformedPayloadStillShows(t *testing.T) {
	t.Parallel()
	d := &fakeDisplayer{name: "page"}
	s, _ := newTestService(d)

	n, err := s.HandlePush(t.Context(), []byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, "DinoProject", n.Title)
	assert.Equal(t, 1, d.count())
}

func TestService_ClickOpensPayloadURL(t *testing.T) {
	t.Parallel()
	s, opener := newTestService()

	n, err := s.HandlePush(t.Context(), []byte(`{"title":"X","url":"/y"}`))
	require.NoError(t, err)

	url, err := s.HandleClick(t.Context(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, "/y", url)
	assert.Equal(t, []string{"/y"}, opener.urls())
	assert.Empty(t, s.Displayed(), "clicked notification is dismissed")

	_, err = s.HandleClick(t.Context(), n.ID)
	require.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestService_ClickUnknownNotification(t *testing.T) {
	t.Parallel()
	s, opener := newTestService()

	_, err := s.HandleClick(t.Context(), "missing")
	require.ErrorIs(t, err, ErrNotificationNotFound)
	assert.Empty(t, opener.urls())
}

func TestService_ClickOpenerFailure(t *testing.T) {
	t.Parallel()
	s, opener := newTestService()
	opener.err = fmt.Errorf("no clients")

	n, err := s.HandlePush(t.Context(), nil)
	require.NoError(t, err)

	url, err := s.HandleClick(t.Context(), n.ID)
	require.Error(t, err)
	assert.Equal(t, "/", url)
	assert.Equal(t, errors.CategoryNotification, errors.CategoryOf(err))
}

func TestService_ClickWithoutOpener(t *testing.T) {
	t.Parallel()
	s := NewService(nil)

	n, err := s.HandlePush(t.Context(), []byte(`{"url":"/forum"}`))
	require.NoError(t, err)

	url, err := s.HandleClick(t.Context(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, "/forum", url)
}

func TestService_DisplayerFailuresAreJoined(t *testing.T) {
	t.Parallel()
	ok := &fakeDisplayer{name: "page"}
	bad := &fakeDisplayer{name: "ntfy", err: fmt.Errorf("service unavailable")}
	boom := &fakeDisplayer{name: "mqtt", panic: true}
	s, _ := newTestService(bad, boom, ok)

	n, err := s.HandlePush(t.Context(), []byte(`{"title":"Quiz results"}`))
	require.Error(t, err)
	require.NotNil(t, n, "notification is returned even on partial failure")

	assert.Equal(t, errors.CategoryNotification, errors.CategoryOf(err))
	assert.Contains(t, err.Error(), "ntfy: service unavailable")
	assert.Contains(t, err.Error(), "mqtt: displayer panicked")
	assert.Equal(t, 1, ok.count(), "later displayers still run")
	assert.Len(t, s.Displayed(), 1)
}

func TestService_DisplayTimeout(t *testing.T) {
	t.Parallel()
	slow := &fakeDisplayer{name: "slow", delay: time.Minute}
	s := NewService(&ServiceConfig{Defaults: StandardDefaults(), Displayers: []Displayer{slow}, Timeout: 20 * time.Millisecond})

	_, err := s.HandlePush(t.Context(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_DismissAndDisplayedOrder(t *testing.T) {
	t.Parallel()
	s, _ := newTestService()

	first, err := s.HandlePush(t.Context(), []byte(`{"title":"first"}`))
	require.NoError(t, err)
	second, err := s.HandlePush(t.Context(), []byte(`{"title":"second"}`))
	require.NoError(t, err)

	shown := s.Displayed()
	require.Len(t, shown, 2)
	assert.Equal(t, first.ID, shown[0].ID)
	assert.Equal(t, second.ID, shown[1].ID)

	assert.True(t, s.Dismiss(first.ID))
	assert.False(t, s.Dismiss(first.ID))
	assert.Len(t, s.Displayed(), 1)
}

func TestService_ExpiredNotificationsArePurged(t *testing.T) {
	t.Parallel()
	s := NewService(&ServiceConfig{
		Defaults:        StandardDefaults(),
		DisplayedTTL:    100 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})

	n, err := s.HandlePush(t.Context(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.displayed.ItemCount())

	require.Eventually(t, func() bool {
		return s.displayed.ItemCount() == 0
	}, 2*time.Second, 5*time.Millisecond, "expired notification still held")
	_, err = s.HandleClick(t.Context(), n.ID)
	require.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestService_AddDisplayerAndSetOpener(t *testing.T) {
	t.Parallel()
	s := NewService(nil)
	d := &fakeDisplayer{name: "late"}
	o := &fakeOpener{}
	s.AddDisplayer(d)
	s.SetOpener(o)

	n, err := s.HandlePush(t.Context(), nil)
	require.NoError(t, err)
	_, err = s.HandleClick(t.Context(), n.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, d.count())
	assert.Equal(t, []string{"/"}, o.urls())
}

func TestService_HandleEvent(t *testing.T) {
	t.Parallel()
	d := &fakeDisplayer{name: "page"}
	s, opener := newTestService(d)

	bus := events.NewBus(nil)
	defer bus.Stop()
	bus.Subscribe(s.HandleEvent)

	require.True(t, bus.Publish(&events.Event{Kind: events.KindPush, Payload: []byte(`{"url":"/shop"}`), Source: "test"}))
	require.Eventually(t, func() bool { return len(s.Displayed()) == 1 }, time.Second, 5*time.Millisecond)

	id := s.Displayed()[0].ID
	require.True(t, bus.Publish(&events.Event{Kind: events.KindNotificationClick, NotificationID: id, Source: "test"}))
	require.Eventually(t, func() bool { return len(opener.urls()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"/shop"}, opener.urls())
	assert.Equal(t, 1, d.count())
}

type countingObserver struct {
	mu     sync.Mutex
	pushes map[string]int
	clicks map[bool]int
}

func (o *countingObserver) ObservePush(source string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushes[fmt.Sprintf("%s/%t", source, err == nil)]++
}

func (o *countingObserver) ObserveNotificationClick(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clicks[err == nil]++
}

func TestService_ObserverCountsEventsAndClicks(t *testing.T) {
	t.Parallel()
	obs := &countingObserver{pushes: map[string]int{}, clicks: map[bool]int{}}
	bad := &fakeDisplayer{name: "ntfy", err: fmt.Errorf("down")}
	s := NewService(&ServiceConfig{Defaults: StandardDefaults(), Observer: obs, Opener: &fakeOpener{}})

	s.HandleEvent(&events.Event{Kind: events.KindPush, Source: "http"})
	s.AddDisplayer(bad)
	s.HandleEvent(&events.Event{Kind: events.KindPush, Source: "mqtt"})
	s.HandleEvent(&events.Event{Kind: events.KindNotificationClick, NotificationID: "missing"})
	_, err := s.HandleClick(t.Context(), s.Displayed()[0].ID)
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, map[string]int{"http/true": 1, "mqtt/false": 1}, obs.pushes)
	assert.Equal(t, map[bool]int{true: 1, false: 1}, obs.clicks)
}
