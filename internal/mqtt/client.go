// Package mqtt connects dinocache to an MQTT broker: push messages arrive on
// a topic and shown notifications are published to another.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
	// connectCooldown throttles manual reconnects. Paho's own reconnect
	// logic is not affected.
	connectCooldown   = 5 * time.Second
	disconnectQuiesce = 250
	statusOnline      = "online"
	statusOffline     = "offline"
)

// Config configures a Client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// StatusTopic receives a retained "online" on connect and "offline" as
	// the last will. Empty disables it.
	StatusTopic    string
	QoS            byte
	ConnectTimeout time.Duration
}

// MessageHandler receives messages of a subscription.
type MessageHandler func(topic string, payload []byte)

// Client wraps a paho client with context-aware calls and subscriptions that
// survive reconnects.
type Client struct {
	cfg    Config
	client paho.Client
	log    logger.Logger

	mu          sync.Mutex
	lastAttempt time.Time
	subs        map[string]MessageHandler

	newPaho func(*paho.ClientOptions) paho.Client
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient validates cfg and prepares a client. Nothing is dialed until
// Connect.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid mqtt broker URL %q", cfg.Broker).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.QoS > 2 {
		return nil, errors.Newf("invalid mqtt qos %d", cfg.QoS).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dinocache"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	c := &Client{
		cfg:     cfg,
		log:     logger.NewNop(),
		subs:    make(map[string]MessageHandler),
		newPaho: paho.NewClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = c.newPaho(c.options())
	return c, nil
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn("mqtt connection lost", logger.Error(err))
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.StatusTopic != "" {
		opts.SetWill(c.cfg.StatusTopic, statusOffline, c.cfg.QoS, true)
	}
	return opts
}

// onConnect restores subscriptions and announces the client. It runs on
// every (re)connect.
func (c *Client) onConnect(pc paho.Client) {
	c.log.Info("mqtt connected", logger.String("broker", c.cfg.Broker))

	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		token := pc.Subscribe(topic, c.cfg.QoS, wrap(h))
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
			c.log.Error("mqtt resubscribe failed", logger.String("topic", topic), logger.Error(token.Error()))
		}
	}
	if c.cfg.StatusTopic != "" {
		pc.Publish(c.cfg.StatusTopic, c.cfg.QoS, true, statusOnline)
	}
}

func wrap(h MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// Connect dials the broker. Attempts closer together than the cooldown are
// rejected.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if since := time.Since(c.lastAttempt); !c.lastAttempt.IsZero() && since < connectCooldown {
		c.mu.Unlock()
		return errors.Newf("connection attempt too recent, retry in %s", (connectCooldown - since).Round(time.Second)).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Build()
	}
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	if err := wait(ctx, c.client.Connect()); err != nil {
		return errors.New(fmt.Errorf("mqtt connect: %w", err)).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("broker", c.cfg.Broker).
			Build()
	}
	return nil
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect closes the connection. A status topic gets "offline" first,
// since a clean disconnect does not trigger the last will.
func (c *Client) Disconnect() {
	if !c.client.IsConnectionOpen() {
		return
	}
	if c.cfg.StatusTopic != "" {
		c.client.Publish(c.cfg.StatusTopic, c.cfg.QoS, true, statusOffline).WaitTimeout(time.Second)
	}
	c.client.Disconnect(disconnectQuiesce)
}

// Publish sends payload to topic without the retain flag.
func (c *Client) Publish(ctx context.Context, topic, payload string) error {
	return c.PublishWithRetain(ctx, topic, payload, false)
}

// PublishWithRetain sends payload to topic.
func (c *Client) PublishWithRetain(ctx context.Context, topic, payload string, retain bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return errors.Newf("mqtt client not connected").
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}
	if err := wait(ctx, c.client.Publish(topic, c.cfg.QoS, retain, payload)); err != nil {
		return errors.New(fmt.Errorf("mqtt publish: %w", err)).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}
	return nil
}

// Subscribe registers h for topic. The subscription is renewed on every
// reconnect; when offline it takes effect on the next connect.
func (c *Client) Subscribe(ctx context.Context, topic string, h MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	if err := wait(ctx, c.client.Subscribe(topic, c.cfg.QoS, wrap(h))); err != nil {
		return errors.New(fmt.Errorf("mqtt subscribe: %w", err)).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}
	return nil
}

// Unsubscribe drops the subscription for topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return wait(ctx, c.client.Unsubscribe(topic))
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
