package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/k3a/html2text"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/dinoproject/dinocache/internal/errors"
)

// ShoutrrrDisplayer delivers notifications to the services behind shoutrrr
// URLs (ntfy, Telegram, Discord, email...). Bodies are sent as plain text.
type ShoutrrrDisplayer struct {
	name    string
	urls    []string
	sender  *router.ServiceRouter
	timeout time.Duration
	// origin is prefixed to relative click URLs in the message text.
	origin string
}

// NewShoutrrrDisplayer validates urls and creates a displayer for them.
func NewShoutrrrDisplayer(name string, urls []string, origin string, timeout time.Duration) (*ShoutrrrDisplayer, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("shoutrrr displayer %q has no URLs", name).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("invalid shoutrrr URL: %w", err)).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("displayer", name).
			Build()
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	return &ShoutrrrDisplayer{
		name:    name,
		urls:    urls,
		sender:  sender,
		timeout: timeout,
		origin:  trimOrigin(origin),
	}, nil
}

func (d *ShoutrrrDisplayer) Name() string { return d.name }

// Display sends n to every URL. It fails if any service rejected it.
func (d *ShoutrrrDisplayer) Display(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := types.Params{"title": n.Title}
	var errs []error
	for _, err := range d.sender.Send(d.message(n), &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// message renders the body as text followed by the click target.
func (d *ShoutrrrDisplayer) message(n *Notification) string {
	body := strings.TrimSpace(html2text.HTML2Text(n.Body))
	target := n.Data.URL
	if strings.HasPrefix(target, "/") && d.origin != "" {
		target = d.origin + target
	}
	if target == "" || (target == "/" && d.origin == "") {
		return body
	}
	return body + "\n\n" + target
}

func trimOrigin(origin string) string {
	return strings.TrimSuffix(origin, "/")
}
