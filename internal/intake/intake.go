// Package intake runs one accepted message through extraction,
// classification, persistence and notification.
//
// Intake returns as soon as the bounce record write has been attempted so
// the transport can acknowledge the message. The settings lookup,
// notification and processed mark then run in the background; Drain waits
// for them. Only the bounce record write can stop a message early. Activity
// events are best-effort, notification failures become notification_error
// events and the processed mark is logged when it fails. Once Intake has
// started it always runs to completion, even if the caller's context is
// cancelled.
package intake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/bouncebox/internal/bounce"
	"github.com/shineum/bouncebox/internal/metrics"
	"github.com/shineum/bouncebox/internal/parser"
	"github.com/shineum/bouncebox/internal/storage"
	"github.com/shineum/bouncebox/internal/storage/types"
)

// Store is the storage capability set the pipeline needs.
type Store interface {
	storage.SettingsReader
	storage.BounceWriter
}

// Recorder appends activity events without failing.
type Recorder interface {
	Record(ctx context.Context, typ types.EventType, message string, details map[string]any)
}

// Notifier sends a notice for a classified message.
type Notifier interface {
	Send(ctx context.Context, to, subject string, label bounce.Label) error
}

// State is where a message's intake ended.
type State int

const (
	// StateRecordFailed means the bounce record could not be stored.
	StateRecordFailed State = iota
	// StateRecorded means the record was stored. As a final state it means
	// notification was skipped.
	StateRecorded
	// StateNotified means the notice was handed to the provider.
	StateNotified
	// StateNotificationFailed means the provider rejected the notice.
	StateNotificationFailed
)

func (s State) String() string {
	switch s {
	case StateRecordFailed:
		return "record_failed"
	case StateRecorded:
		return "recorded"
	case StateNotified:
		return "notified"
	case StateNotificationFailed:
		return "notification_failed"
	default:
		return "unknown"
	}
}

// Outcome describes what happened to one message.
type Outcome struct {
	ID       string
	RecordID int64
	Label    bounce.Label
	Fields   parser.Fields
	// State is StateRecordFailed or StateRecorded when Intake returns. The
	// final state is reported by Wait.
	State State

	done       chan struct{}
	final      State
	notifiedTo string
}

// Wait blocks until the notification stage of the message has finished and
// returns its final state.
func (o *Outcome) Wait() State {
	if o.done == nil {
		return o.State
	}
	<-o.done
	return o.final
}

// NotifiedTo is the destination of the notice, empty when skipped. It is
// only meaningful after Wait returns.
func (o *Outcome) NotifiedTo() string {
	if o.done == nil {
		return ""
	}
	<-o.done
	return o.notifiedTo
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store    Store
	recorder Recorder
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// pending tracks notification stages still running.
	pending sync.WaitGroup
}

func New(store Store, recorder Recorder, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		recorder: recorder,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Intake processes raw on behalf of sender. It returns an error only when
// ctx is already done; every other failure is recorded in the Outcome and
// the activity log.
func (p *Pipeline) Intake(ctx context.Context, raw []byte, sender string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	start := p.now()
	out := &Outcome{ID: uuid.NewString()}
	logger := p.logger.With("intake_id", out.ID, "sender", sender)
	p.metrics.IncReceived()
	defer func() {
		p.metrics.ObserveIntake(p.now().Sub(start).Seconds())
	}()

	p.recorder.Record(ctx, types.EventEmailReceived, "Received new email", map[string]any{
		"from":      sender,
		"timestamp": start.UTC().Format(time.RFC3339),
	})

	out.Fields = parser.Extract(raw)
	out.Label = bounce.Classify(raw)
	p.metrics.IncClassification(out.Label.String())

	logger = logger.With("message_id", out.Fields.MessageID, "label", out.Label.String())
	logger.Debug("message classified",
		"from", out.Fields.From,
		"to", out.Fields.To,
		"subject", out.Fields.Subject,
	)

	rec := &types.BounceRecord{
		MessageID: out.Fields.MessageID,
		From:      out.Fields.From,
		To:        out.Fields.To,
		Subject:   out.Fields.Subject,
		Label:     out.Label,
		CreatedAt: start.UTC(),
	}
	id, err := p.store.InsertBounce(ctx, rec)
	if err != nil {
		p.metrics.IncRecordFailure()
		logger.Error("failed to store bounce record", "error", err)
		p.recorder.Record(ctx, types.EventRecordError, "Failed to store bounce record", map[string]any{
			"messageId":  out.Fields.MessageID,
			"from":       out.Fields.From,
			"to":         out.Fields.To,
			"bounceType": out.Label.String(),
			"error":      err.Error(),
		})
		out.State = StateRecordFailed
		return out, nil
	}
	out.RecordID = id
	out.State = StateRecorded
	logger = logger.With("record_id", id)

	p.recorder.Record(ctx, types.EventBounceProcessed, "Processed bounce message", map[string]any{
		"messageId":  out.Fields.MessageID,
		"from":       out.Fields.From,
		"to":         out.Fields.To,
		"bounceType": out.Label.String(),
	})

	fields, label := out.Fields, out.Label
	out.done = make(chan struct{})
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		defer close(out.done)
		out.final, out.notifiedTo = p.notify(ctx, id, fields, label, logger)
		logger.Info("message processed", "state", out.final.String())
	}()
	return out, nil
}

// notify runs the settings gate, the notification and the processed mark
// for a stored record.
func (p *Pipeline) notify(ctx context.Context, id int64, fields parser.Fields, label bounce.Label, logger *slog.Logger) (State, string) {
	settings, err := p.store.Settings(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrSettingsMissing) {
			logger.Debug("no settings row, using defaults")
		} else {
			logger.Warn("failed to read settings, using defaults", "error", err)
		}
		settings = types.DefaultSettings()
	}

	state := StateRecorded
	to, ok := destination(settings, fields.To)
	if ok {
		details := map[string]any{
			"to":      to,
			"subject": fields.Subject,
		}
		if err := p.notifier.Send(ctx, to, fields.Subject, label); err != nil {
			p.metrics.IncNotification("failed")
			logger.Warn("failed to send notification", "to", to, "error", err)
			details["error"] = err.Error()
			p.recorder.Record(ctx, types.EventNotificationError, "Failed to send notification", details)
			state = StateNotificationFailed
		} else {
			p.metrics.IncNotification("sent")
			logger.Info("notification sent", "to", to)
			p.recorder.Record(ctx, types.EventNotificationSent, "Notification sent", details)
			state = StateNotified
		}
	} else {
		to = ""
		p.metrics.IncNotification("skipped")
		logger.Debug("notification skipped in test mode")
	}

	if !settings.TestMode {
		if err := p.store.MarkProcessed(ctx, id); err != nil {
			logger.Error("failed to mark bounce record processed", "error", err)
		}
	}
	return state, to
}

// Drain waits until every notification stage started by Intake has
// finished, or ctx is done.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// destination applies the test-mode gate. In test mode only a configured
// test address is notified; otherwise the test address wins over the
// original recipient when set.
func destination(s types.Settings, originalTo string) (string, bool) {
	if s.TestMode && s.TestEmail == "" {
		return "", false
	}
	if s.TestEmail != "" {
		return s.TestEmail, true
	}
	return originalTo, true
}
