package mqtt

import (
	"context"
	"encoding/json"

	"github.com/dinoproject/dinocache/internal/events"
	"github.com/dinoproject/dinocache/internal/logger"
	"github.com/dinoproject/dinocache/internal/notification"
)

// EventSource is the MQTT value of events.Event.Source.
const EventSource = "mqtt"

// ForwardPushes subscribes to topic and publishes every message on it to the
// bus as a push event. The payload is passed through untouched.
func (c *Client) ForwardPushes(ctx context.Context, topic string, bus *events.Bus) error {
	return c.Subscribe(ctx, topic, func(_ string, payload []byte) {
		ev := &events.Event{
			Kind:    events.KindPush,
			Payload: append([]byte(nil), payload...),
			Source:  EventSource,
		}
		if !bus.Publish(ev) {
			c.log.Warn("push from mqtt dropped", logger.String("topic", topic))
		}
	})
}

// Displayer publishes shown notifications as JSON to a topic.
type Displayer struct {
	client *Client
	topic  string
}

// NewDisplayer creates a displayer publishing to topic.
func NewDisplayer(client *Client, topic string) *Displayer {
	return &Displayer{client: client, topic: topic}
}

func (d *Displayer) Name() string { return "mqtt" }

// Display implements notification.Displayer.
func (d *Displayer) Display(ctx context.Context, n *notification.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.client.Publish(ctx, d.topic, string(data))
}
