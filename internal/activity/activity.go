// Package activity records the audit trail of everything bouncebox does with
// a message. Recording is best-effort: failures are logged and counted but
// never surfaced to the caller.
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/shineum/bouncebox/internal/metrics"
	"github.com/shineum/bouncebox/internal/storage"
	"github.com/shineum/bouncebox/internal/storage/types"
)

// Publisher forwards stored events to a live feed.
type Publisher interface {
	Publish(ctx context.Context, ev *types.ActivityEvent) error
}

// Recorder appends activity events to the store.
type Recorder struct {
	store     storage.EventAppender
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPublisher also sends every stored event to p.
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

// WithMetrics counts failed appends on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithLogger sets the logger used to report failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func New(store storage.EventAppender, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one event. It never fails; a store error is logged and
// the event is dropped.
func (r *Recorder) Record(ctx context.Context, typ types.EventType, message string, details map[string]any) {
	ev := &types.ActivityEvent{
		Type:      typ,
		Message:   message,
		Details:   details,
		Timestamp: r.now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.metrics.IncActivityFailure()
		r.logger.Error("failed to record activity",
			"type", string(typ),
			"message", message,
			"error", err,
		)
		return
	}
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("failed to publish activity",
			"type", string(typ),
			"error", err,
		)
	}
}
