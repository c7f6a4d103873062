// Package storage defines the persistence capabilities used by the intake
// pipeline, the activity recorder and the mailbox poller.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/bouncebox/internal/storage/types"
)

// ErrSettingsMissing is returned by Settings when no settings row exists.
// Callers treat it as "use defaults", not as a failure.
var ErrSettingsMissing = errors.New("settings row missing")

// ErrNotFound is returned when an update targets a record that does not exist.
var ErrNotFound = errors.New("record not found")

// PersistenceError reports a failed read or write against the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SettingsReader reads the singleton settings row.
type SettingsReader interface {
	Settings(ctx context.Context) (types.Settings, error)
}

// BounceWriter persists bounce records.
type BounceWriter interface {
	// InsertBounce stores rec and returns the identifier assigned to it.
	InsertBounce(ctx context.Context, rec *types.BounceRecord) (int64, error)
	// MarkProcessed sets the processed flag on the record with the given
	// identifier.
	MarkProcessed(ctx context.Context, id int64) error
}

// EventAppender appends activity log entries.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev *types.ActivityEvent) error
}

// StateStore keeps small key/value bookkeeping such as poller cursors.
type StateStore interface {
	StateGet(ctx context.Context, key string) (string, error)
	StateSet(ctx context.Context, key, value string) error
}

// Store is the full capability set of a storage backend.
type Store interface {
	SettingsReader
	BounceWriter
	EventAppender
	StateStore
	Close() error
}
