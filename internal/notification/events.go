package notification

import (
	"context"

	"github.com/dinoproject/dinocache/internal/events"
	"github.com/dinoproject/dinocache/internal/logger"
)

// HandleEvent consumes push and click events from a bus. Errors are logged,
// since the producer has already moved on.
func (s *Service) HandleEvent(e *events.Event) {
	ctx := context.Background()
	switch e.Kind {
	case events.KindPush:
		_, err := s.HandlePush(ctx, e.Payload)
		s.observer.ObservePush(e.Source, err)
		if err != nil {
			s.log.Warn("push event partially delivered",
				logger.String("source", e.Source),
				logger.Error(err))
		}
	case events.KindNotificationClick:
		if _, err := s.HandleClick(ctx, e.NotificationID); err != nil {
			s.log.Warn("notification click failed",
				logger.String("notification_id", e.NotificationID),
				logger.String("source", e.Source),
				logger.Error(err))
		}
	default:
		s.log.Debug("ignoring event", logger.String("kind", string(e.Kind)))
	}
}
