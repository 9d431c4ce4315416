package errors

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryReporter forwards enhanced errors to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// InitSentry initializes the Sentry client and installs it as the reporter.
// An empty DSN leaves reporting disabled and returns nil.
func InitSentry(dsn, release, environment string) (*SentryReporter, error) {
	if dsn == "" {
		return nil, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Release:     release,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	r := &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}
	SetReporter(r)
	return r, nil
}

// ReportError implements Reporter.
func (r *SentryReporter) ReportError(ee *EnhancedError) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.component)
		scope.SetTag("category", string(ee.category))
		if len(ee.context) > 0 {
			scope.SetContext("error_context", sentry.Context(ee.GetContext()))
		}
		r.hub.CaptureException(ee)
	})
}

// Flush waits for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}
