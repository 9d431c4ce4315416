// Package notification turns push messages into visible notifications and
// handles clicks on them.
package notification

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payload is the optional JSON body of a push message. Every field may be
// empty.
type Payload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// ParsePayload decodes a push body. It never fails: an empty or malformed
// body yields the zero Payload.
func ParsePayload(data []byte) Payload {
	p, _ := DecodePayload(data)
	return p
}

// DecodePayload is ParsePayload that also reports the decode error. The
// returned Payload is usable either way.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Defaults fill fields a payload leaves empty.
type Defaults struct {
	Title   string
	Body    string
	Icon    string
	Badge   string
	Vibrate []int
	URL     string
}

// StandardDefaults returns the DinoProject notification defaults.
func StandardDefaults() Defaults {
	return Defaults{
		Title:   "DinoProject",
		Body:    "You have a new update from DinoProject!",
		Icon:    "/icons/icon-192x192.png",
		Badge:   "/icons/badge-72x72.png",
		Vibrate: []int{100, 50, 100},
		URL:     "/",
	}
}

// Data is attached to a notification for use when it is clicked.
type Data struct {
	URL string `json:"url"`
}

// Notification is a notification ready to display.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon,omitempty"`
	Badge     string    `json:"badge,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Vibrate   []int     `json:"vibrate,omitempty"`
	Data      Data      `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Build creates a notification from p, using d for anything p leaves out.
func Build(p Payload, d Defaults) *Notification {
	url := or(p.URL, d.URL)
	if url == "" {
		url = "/"
	}
	return &Notification{
		ID:        uuid.NewString(),
		Title:     or(p.Title, d.Title),
		Body:      or(p.Body, d.Body),
		Icon:      or(p.Icon, d.Icon),
		Badge:     or(p.Badge, d.Badge),
		Tag:       p.Tag,
		Vibrate:   append([]int(nil), d.Vibrate...),
		Data:      Data{URL: url},
		Timestamp: time.Now().UTC(),
	}
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
