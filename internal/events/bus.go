// Package events carries push and notification-click events from their
// sources (HTTP, MQTT) to the notification service without blocking the
// producer.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dinoproject/dinocache/internal/logger"
)

// Kind identifies an event type.
type Kind string

const (
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
)

// Event is a lifecycle event delivered to handlers.
type Event struct {
	Kind Kind
	// Payload is the raw push body, possibly empty.
	Payload []byte
	// NotificationID names the clicked notification.
	NotificationID string
	// Source tells where the event came from, e.g. "http" or "mqtt".
	Source    string
	Timestamp time.Time
}

// Handler processes events. Handlers run on the bus goroutine, one event at
// a time.
type Handler func(event *Event)

// defaultBufferSize is the capacity of the event channel. Events are dropped
// when it is full.
const defaultBufferSize = 256

// Bus is an async pub/sub for lifecycle events. Publish never blocks.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
	eventCh  chan *Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
	log      logger.Logger
}

// NewBus creates a bus and starts its worker. A nil logger discards output.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Bus{
		eventCh: make(chan *Event, defaultBufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		log:     log,
	}
	go b.processLoop()
	return b
}

// Subscribe registers a handler.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish enqueues an event. It returns false when the event was dropped
// because the bus is stopped or its buffer is full.
func (b *Bus) Publish(event *Event) bool {
	select {
	case <-b.stopCh:
		return false
	default:
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
		return true
	default:
		b.dropped.Add(1)
		b.log.Warn("event bus full, dropping event",
			logger.String("kind", string(event.Kind)),
			logger.String("source", event.Source))
		return false
	}
}

// Dropped returns how many events were dropped on a full buffer.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Stop drains queued events and stops the worker. Safe to call multiple
// times; returns once the worker has exited.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
}

func (b *Bus) processLoop() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.dispatch(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.eventCh:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeCall(handler, event)
	}
}

// safeCall keeps the worker alive when a handler panics.
func (b *Bus) safeCall(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				logger.String("kind", string(event.Kind)),
				logger.Any("panic", r))
		}
	}()
	handler(event)
}
