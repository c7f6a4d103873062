// Package notify composes bounce notices and hands them to a delivery
// provider behind a circuit breaker.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shineum/bouncebox/internal/bounce"
	"github.com/shineum/bouncebox/internal/email"
	"github.com/shineum/bouncebox/internal/metrics"
	"github.com/shineum/bouncebox/internal/provider"
)

// SendError reports a notice that could not be delivered.
type SendError struct {
	To       string
	Provider string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("notify %s via %s: %v", e.To, e.Provider, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Config tunes a Dispatcher.
type Config struct {
	// Sender is the From address of every notice.
	Sender string
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Zero disables the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a
	// trial request through.
	OpenTimeout time.Duration
}

// Dispatcher sends bounce notices. It is safe for concurrent use.
type Dispatcher struct {
	provider provider.Provider
	sender   string
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(p provider.Provider, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		provider: p,
		sender:   cfg.Sender,
		logger:   logger,
		metrics:  m,
	}
	if cfg.MaxFailures > 0 {
		maxFailures := cfg.MaxFailures
		d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-" + p.Name(),
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("notification breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
				if to == gobreaker.StateOpen {
					m.IncBreakerOpen()
				}
			},
		})
	}
	return d
}

// Subject is the notice subject for a message with the given label and
// original subject.
func Subject(label bounce.Label, subject string) string {
	return fmt.Sprintf("Bounce notification (%s): %s", label, subject)
}

// Body is the plain-text notice body.
func Body(label bounce.Label, subject string) string {
	return fmt.Sprintf("A message was received and classified as %s.\n\nOriginal subject: %s\n", label, subject)
}

// Send delivers one notice to `to`. Failures, including an open breaker,
// are returned as *SendError. A notice without a usable destination fails
// before the provider is called and does not count against the breaker.
func (d *Dispatcher) Send(ctx context.Context, to, subject string, label bounce.Label) error {
	msg := &email.Email{
		From:     d.sender,
		To:       []string{to},
		Subject:  Subject(label, subject),
		TextBody: Body(label, subject),
		Headers: map[string]string{
			"Auto-Submitted":    "auto-generated",
			"X-Bouncebox-Label": label.String(),
		},
	}

	if err := msg.Validate(); err != nil {
		return &SendError{To: to, Provider: d.provider.Name(), Err: err}
	}

	send := func() (interface{}, error) {
		return nil, d.provider.Send(ctx, msg)
	}

	var err error
	if d.breaker != nil {
		_, err = d.breaker.Execute(send)
	} else {
		_, err = send()
	}
	if err != nil {
		return &SendError{To: to, Provider: d.provider.Name(), Err: err}
	}
	return nil
}
