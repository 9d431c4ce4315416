// Package clients tracks the pages connected to dinocache over WebSocket.
// Connected pages are claimed on activation, receive notifications and are
// asked to focus or open windows when a notification is clicked.
package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/logger"
	"github.com/dinoproject/dinocache/internal/notification"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024
	sendBuffer = 16
)

// ErrNoClients is returned when an operation needs at least one page.
var ErrNoClients = errors.NewStd("no connected clients")

// Message types exchanged with pages.
const (
	TypeHello             = "hello"
	TypeNavigate          = "navigate"
	TypeClaim             = "claim"
	TypeNotification      = "notification"
	TypeNotificationClick = "notificationclick"
	TypeFocus             = "focus"
	TypeOpen              = "open"
)

// Message is the JSON frame sent in both directions.
type Message struct {
	Type           string                     `json:"type"`
	Version        string                     `json:"version,omitempty"`
	URL            string                     `json:"url,omitempty"`
	Focused        bool                       `json:"focused,omitempty"`
	NotificationID string                     `json:"notificationId,omitempty"`
	Notification   *notification.Notification `json:"notification,omitempty"`
}

// Info describes a connected page.
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Focused     bool      `json:"focused"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ClickFunc receives notification clicks reported by pages.
type ClickFunc func(id string)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu   sync.Mutex
	info Info
}

// Hub holds connected pages.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	closed   bool
	wg       sync.WaitGroup
	upgrader websocket.Upgrader
	onClick  ClickFunc
	log      logger.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithClickHandler sets the callback for notification clicks.
func WithClickHandler(fn ClickFunc) Option {
	return func(h *Hub) { h.onClick = fn }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[string]*client),
		log:     logger.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameOrigin,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// sameOrigin rejects cross-site upgrades. Clients without an Origin header
// are not browsers and are let through.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// ServeHTTP upgrades the request and serves the page until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logger.Error(err))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		info: Info{ID: uuid.NewString(), URL: r.URL.Query().Get("url"), ConnectedAt: time.Now().UTC()},
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.info.ID] = c
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.Debug("client connected", logger.String("client_id", c.info.ID))

	go c.writePump()
	c.readPump()
}

// Clients returns the connected pages ordered by connection time.
func (h *Hub) Clients() []Info {
	h.mu.RLock()
	out := make([]Info, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.snapshot())
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int {
		if n := a.ConnectedAt.Compare(b.ConnectedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Claim makes version the controller of every connected page and tells the
// pages about it. Returns the number of pages claimed.
func (h *Hub) Claim(_ context.Context, version string) (int, error) {
	msg := Message{Type: TypeClaim, Version: version}
	n := 0
	for _, c := range h.snapshot() {
		c.mu.Lock()
		c.info.Controller = version
		c.mu.Unlock()
		if c.deliver(msg) {
			n++
		}
	}
	return n, nil
}

// Name implements notification.Displayer.
func (h *Hub) Name() string { return "clients" }

// Display shows n on every connected page. Having no pages is not an error.
func (h *Hub) Display(ctx context.Context, n *notification.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range h.snapshot() {
		c.deliver(Message{Type: TypeNotification, Notification: n})
	}
	return nil
}

// OpenWindow focuses a page already showing target, or asks a page to open
// it, preferring the focused one.
func (h *Hub) OpenWindow(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	all := h.snapshot()
	if len(all) == 0 {
		return ErrNoClients
	}

	for _, c := range all {
		if samePage(c.snapshot().URL, target) {
			if c.deliver(Message{Type: TypeFocus, URL: target}) {
				return nil
			}
		}
	}

	slices.SortStableFunc(all, func(a, b *client) int {
		af, bf := a.snapshot().Focused, b.snapshot().Focused
		switch {
		case af == bf:
			return 0
		case af:
			return -1
		default:
			return 1
		}
	})
	for _, c := range all {
		if c.deliver(Message{Type: TypeOpen, URL: target}) {
			return nil
		}
	}
	return ErrNoClients
}

// Close disconnects every page and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.info.ID)
	h.mu.Unlock()
}

// samePage compares paths and queries, ignoring scheme, host and fragment.
func samePage(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || a == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	pa, pb := ua.Path, ub.Path
	if pa == "" {
		pa = "/"
	}
	if pb == "" {
		pb = "/"
	}
	return pa == pb && ua.RawQuery == ub.RawQuery
}

func (c *client) snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// deliver queues msg without blocking. A page that cannot keep up is
// disconnected.
func (c *client) deliver(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.log.Warn("client send buffer full, disconnecting", logger.String("client_id", c.info.ID))
		_ = c.conn.Close()
		return false
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		close(c.done)
		_ = c.conn.Close()
		c.hub.wg.Done()
		c.hub.log.Debug("client disconnected", logger.String("client_id", c.info.ID))
	}()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client read failed", logger.Error(err))
			}
			return
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg Message) {
	switch msg.Type {
	case TypeHello, TypeNavigate:
		c.mu.Lock()
		if msg.URL != "" {
			c.info.URL = msg.URL
		}
		c.info.Focused = msg.Focused
		c.mu.Unlock()
	case TypeNotificationClick:
		if msg.NotificationID != "" && c.hub.onClick != nil {
			c.hub.onClick(msg.NotificationID)
		}
	default:
		c.hub.log.Debug("ignoring client message", logger.String("type", msg.Type))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
