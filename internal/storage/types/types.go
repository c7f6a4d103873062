package types

import (
	"time"

	"github.com/shineum/bouncebox/internal/bounce"
)

// BounceRecord is the persisted result of one intake.
type BounceRecord struct {
	ID        int64
	MessageID string
	From      string
	To        string
	Subject   string
	Label     bounce.Label
	Processed bool
	CreatedAt time.Time
}

// EventType tags an activity log entry.
type EventType string

const (
	EventEmailReceived     EventType = "email_received"
	EventBounceProcessed   EventType = "bounce_processed"
	// EventRecordError marks an intake whose bounce record could not be stored.
	EventRecordError       EventType = "record_error"
	EventNotificationSent  EventType = "notification_sent"
	EventNotificationError EventType = "notification_error"
)

// ActivityEvent is one append-only audit entry.
type ActivityEvent struct {
	ID        int64          `json:"id,omitempty"`
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Settings is the singleton operator configuration row.
type Settings struct {
	TestMode  bool
	TestEmail string
	IMAP      IMAPSettings
}

// IMAPSettings are the remote mailbox connection parameters.
type IMAPSettings struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
}

// DefaultSettings is what an empty settings table means.
func DefaultSettings() Settings {
	return Settings{
		IMAP: IMAPSettings{
			Port:   993,
			Secure: true,
		},
	}
}
