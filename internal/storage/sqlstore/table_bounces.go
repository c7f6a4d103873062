package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shineum/bouncebox/internal/bounce"
	"github.com/shineum/bouncebox/internal/storage"
	"github.com/shineum/bouncebox/internal/storage/types"
)

type TableBounces struct {
	db            *sql.DB
	writer        *Writer
	insert        *sql.Stmt
	markProcessed *sql.Stmt
	selectRecent  *sql.Stmt
}

const bouncesSchema = `
	CREATE TABLE IF NOT EXISTS bounce_messages (
		id 				%[1]s,
		message_id 		TEXT,
		from_address 	TEXT,
		to_address 		TEXT,
		subject 		TEXT,
		bounce_type 	TEXT NOT NULL,
		processed 		BOOLEAN NOT NULL DEFAULT %[2]s,
		created_at 		%[3]s NOT NULL
	);
`

const bouncesInsertStmt = `
	INSERT INTO bounce_messages (message_id, from_address, to_address, subject, bounce_type, processed, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id
`

const bouncesMarkProcessedStmt = `
	UPDATE bounce_messages SET processed = $1 WHERE id = $2
`

const bouncesSelectRecentStmt = `
	SELECT id, COALESCE(message_id, ''), COALESCE(from_address, ''), COALESCE(to_address, ''),
		COALESCE(subject, ''), bounce_type, processed, created_at
	FROM bounce_messages ORDER BY id DESC LIMIT $1
`

func NewTableBounces(db *sql.DB, d dialect, writer *Writer) (*TableBounces, error) {
	t := &TableBounces{
		db:     db,
		writer: writer,
	}
	_, err := db.Exec(fmt.Sprintf(bouncesSchema, d.serialPK, d.falseValue, d.timestamp))
	if err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	t.insert, err = db.Prepare(bouncesInsertStmt)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(bouncesInsertStmt): %w", err)
	}
	t.markProcessed, err = db.Prepare(bouncesMarkProcessedStmt)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(bouncesMarkProcessedStmt): %w", err)
	}
	t.selectRecent, err = db.Prepare(bouncesSelectRecentStmt)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(bouncesSelectRecentStmt): %w", err)
	}
	return t, nil
}

// InsertBounce stores rec and returns the row identifier. CreatedAt is
// filled in when zero.
func (t *TableBounces) InsertBounce(ctx context.Context, rec *types.BounceRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := t.writer.Do(ctx, t.db, func(txn *sql.Tx) error {
		return txn.StmtContext(ctx, t.insert).QueryRowContext(ctx,
			rec.MessageID,
			rec.From,
			rec.To,
			rec.Subject,
			rec.Label.String(),
			rec.Processed,
			rec.CreatedAt,
		).Scan(&id)
	})
	if err != nil {
		return 0, &storage.PersistenceError{Op: "insert bounce", Err: err}
	}
	rec.ID = id
	return id, nil
}

// MarkProcessed flags the record with the given identifier as processed.
func (t *TableBounces) MarkProcessed(ctx context.Context, id int64) error {
	err := t.writer.Do(ctx, t.db, func(txn *sql.Tx) error {
		res, err := txn.StmtContext(ctx, t.markProcessed).ExecContext(ctx, true, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("res.RowsAffected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("bounce record %d: %w", id, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return &storage.PersistenceError{Op: "mark processed", Err: err}
	}
	return nil
}

// RecentBounces returns up to limit records, newest first.
func (t *TableBounces) RecentBounces(ctx context.Context, limit int) ([]types.BounceRecord, error) {
	rows, err := t.selectRecent.QueryContext(ctx, limit)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list bounces", Err: err}
	}
	defer rows.Close()
	var records []types.BounceRecord
	for rows.Next() {
		var rec types.BounceRecord
		var label string
		if err := rows.Scan(
			&rec.ID,
			&rec.MessageID,
			&rec.From,
			&rec.To,
			&rec.Subject,
			&label,
			&rec.Processed,
			&rec.CreatedAt,
		); err != nil {
			return nil, &storage.PersistenceError{Op: "list bounces", Err: fmt.Errorf("rows.Scan: %w", err)}
		}
		rec.Label = bounce.Label(label)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.PersistenceError{Op: "list bounces", Err: err}
	}
	return records, nil
}
