package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shineum/bouncebox/internal/storage"
)

type TableState struct {
	db     *sql.DB
	writer *Writer
	get    *sql.Stmt
	set    *sql.Stmt
}

const stateSchema = `
	CREATE TABLE IF NOT EXISTS state (
		key 		TEXT NOT NULL,
		value 		TEXT NOT NULL,
		PRIMARY KEY(key)
	);
`

const stateGet = `
	SELECT value FROM state WHERE key = $1
`

const stateSet = `
	INSERT INTO state (key, value) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value
`

func NewTableState(db *sql.DB, writer *Writer) (*TableState, error) {
	t := &TableState{
		db:     db,
		writer: writer,
	}
	_, err := db.Exec(stateSchema)
	if err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	t.get, err = db.Prepare(stateGet)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(get): %w", err)
	}
	t.set, err = db.Prepare(stateSet)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(set): %w", err)
	}
	return t, nil
}

// StateGet returns the value stored under key, or "" when unset.
func (t *TableState) StateGet(ctx context.Context, key string) (string, error) {
	var value string
	err := t.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &storage.PersistenceError{Op: "read state", Err: err}
	}
	return value, nil
}

// StateSet stores value under key, replacing any previous value.
func (t *TableState) StateSet(ctx context.Context, key, value string) error {
	err := t.writer.Do(ctx, t.db, func(txn *sql.Tx) error {
		_, err := txn.StmtContext(ctx, t.set).ExecContext(ctx, key, value)
		return err
	})
	if err != nil {
		return &storage.PersistenceError{Op: "write state", Err: err}
	}
	return nil
}
