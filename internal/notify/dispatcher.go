// Package notify sends order notifications to the staff push-notification
// provider. The provider speaks a form-encoded POST API; every dispatch is
// an emergency-priority message so the staff device keeps alerting until
// acknowledged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Timeout clamp bounds and default for the provider call.
const (
	MinTimeout     = 2 * time.Second
	MaxTimeout     = 20 * time.Second
	DefaultTimeout = 8 * time.Second
)

// maxErrorBodyBytes caps how much of a provider error response is logged.
const maxErrorBodyBytes = 512

// Dispatch failures, distinguished so the handler can map them to 504
// (deadline) versus 502 (transport failure or provider rejection).
var (
	ErrTimeout   = errors.New("provider request timed out")
	ErrTransport = errors.New("provider request failed")
	ErrRejected  = errors.New("provider rejected notification")
)

// Notification is one staff alert to deliver.
type Notification struct {
	Title   string
	Message string
}

// Dispatcher delivers notifications to the configured provider.
type Dispatcher struct {
	url     string
	token   string
	user    string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger

	// OnDuration is an optional hook observing each provider call's latency.
	OnDuration func(seconds float64)
}

// NewDispatcher creates a dispatcher for the provider at url with the given
// credentials. The timeout is clamped to [MinTimeout, MaxTimeout]; zero or
// negative selects DefaultTimeout.
func NewDispatcher(url, token, user string, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout < MinTimeout {
		timeout = MinTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	return &Dispatcher{
		url:     url,
		token:   token,
		user:    user,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Send delivers the notification. The message is sent at emergency priority
// with a 30-second retry cadence for 5 minutes and a distinctive sound, so
// a new order cannot be missed during service.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	form := url.Values{
		"token":    {d.token},
		"user":     {d.user},
		"title":    {n.Title},
		"message":  {n.Message},
		"priority": {"2"},
		"retry":    {"30"},
		"expire":   {"300"},
		"sound":    {"siren"},
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := d.client.Do(req)
	if d.OnDuration != nil {
		d.OnDuration(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, d.timeout)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		d.logger.Error("provider rejected notification",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	return nil
}
