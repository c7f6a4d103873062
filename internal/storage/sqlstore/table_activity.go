package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shineum/bouncebox/internal/storage"
	"github.com/shineum/bouncebox/internal/storage/types"
)

type TableActivity struct {
	db           *sql.DB
	writer       *Writer
	insert       *sql.Stmt
	selectRecent *sql.Stmt
}

const activitySchema = `
	CREATE TABLE IF NOT EXISTS activity_log (
		id 			%[1]s,
		created_at 	%[2]s NOT NULL,
		type 		TEXT NOT NULL,
		message 	TEXT NOT NULL,
		details 	TEXT
	);
`

const activityInsertStmt = `
	INSERT INTO activity_log (created_at, type, message, details) VALUES ($1, $2, $3, $4)
	RETURNING id
`

const activitySelectRecentStmt = `
	SELECT id, created_at, type, message, COALESCE(details, '')
	FROM activity_log ORDER BY id DESC LIMIT $1
`

func NewTableActivity(db *sql.DB, d dialect, writer *Writer) (*TableActivity, error) {
	t := &TableActivity{
		db:     db,
		writer: writer,
	}
	_, err := db.Exec(fmt.Sprintf(activitySchema, d.serialPK, d.timestamp))
	if err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	t.insert, err = db.Prepare(activityInsertStmt)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(activityInsertStmt): %w", err)
	}
	t.selectRecent, err = db.Prepare(activitySelectRecentStmt)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(activitySelectRecentStmt): %w", err)
	}
	return t, nil
}

// AppendEvent writes ev to the activity log. Details are stored as JSON.
func (t *TableActivity) AppendEvent(ctx context.Context, ev *types.ActivityEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var details sql.NullString
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return &storage.PersistenceError{Op: "append event", Err: fmt.Errorf("json.Marshal: %w", err)}
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	var id int64
	err := t.writer.Do(ctx, t.db, func(txn *sql.Tx) error {
		return txn.StmtContext(ctx, t.insert).QueryRowContext(ctx,
			ev.Timestamp,
			string(ev.Type),
			ev.Message,
			details,
		).Scan(&id)
	})
	if err != nil {
		return &storage.PersistenceError{Op: "append event", Err: err}
	}
	ev.ID = id
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (t *TableActivity) RecentEvents(ctx context.Context, limit int) ([]types.ActivityEvent, error) {
	rows, err := t.selectRecent.QueryContext(ctx, limit)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list events", Err: err}
	}
	defer rows.Close()
	var events []types.ActivityEvent
	for rows.Next() {
		var ev types.ActivityEvent
		var typ, details string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &typ, &ev.Message, &details); err != nil {
			return nil, &storage.PersistenceError{Op: "list events", Err: fmt.Errorf("rows.Scan: %w", err)}
		}
		ev.Type = types.EventType(typ)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, &storage.PersistenceError{Op: "list events", Err: fmt.Errorf("json.Unmarshal: %w", err)}
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.PersistenceError{Op: "list events", Err: err}
	}
	return events, nil
}
