// Package sqlstore implements storage.Store on top of database/sql, using
// SQLite by default and PostgreSQL when configured.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/atomic"

	"github.com/shineum/bouncebox/internal/storage"
)

// Store is a SQL-backed storage.Store.
type Store struct {
	*TableSettings
	*TableBounces
	*TableActivity
	*TableState
	db     *sql.DB
	writer *Writer
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database named by driver and dsn, creates the
// schema when missing and seeds the default settings row.
func Open(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if d.name == "sqlite3" {
		dsn, err = sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if d.name == "sqlite3" {
		// SQLite supports only one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}

	s := &Store{
		db:     db,
		writer: &Writer{todo: make(chan writerTask)},
	}
	if s.TableSettings, err = NewTableSettings(db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableSettings: %w", err)
	}
	if s.TableBounces, err = NewTableBounces(db, d, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableBounces: %w", err)
	}
	if s.TableActivity, err = NewTableActivity(db, d, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableActivity: %w", err)
	}
	if s.TableState, err = NewTableState(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableState: %w", err)
	}
	return s, nil
}

// Close stops the writer and closes the database.
func (s *Store) Close() error {
	s.writer.Stop()
	return s.db.Close()
}

// sqliteDSN turns a plain file path into a go-sqlite3 URI and makes sure
// the parent directory exists.
func sqliteDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("sqlite3: empty database path")
	}
	if strings.HasPrefix(dsn, "file:") || dsn == ":memory:" {
		return dsn, nil
	}
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory for SQLite database: %w", err)
		}
	}
	return "file:" + dsn + "?_foreign_keys=on&_busy_timeout=5000", nil
}

// Writer serialises write transactions through a single goroutine.
type Writer struct {
	running atomic.Bool
	stopped atomic.Bool
	todo    chan writerTask
}

type writerTask struct {
	ctx  context.Context
	db   *sql.DB
	f    func(txn *sql.Tx) error
	wait chan error
}

var errWriterStopped = fmt.Errorf("writer stopped")

// Do runs f inside a transaction on db. The transaction commits when f
// returns nil and rolls back otherwise.
func (w *Writer) Do(ctx context.Context, db *sql.DB, f func(txn *sql.Tx) error) error {
	if w.stopped.Load() {
		return errWriterStopped
	}
	if !w.running.Load() {
		go w.run()
	}
	task := writerTask{
		ctx:  ctx,
		db:   db,
		f:    f,
		wait: make(chan error, 1),
	}
	select {
	case w.todo <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-task.wait
}

// Stop makes further calls to Do fail. Tasks already handed over finish.
func (w *Writer) Stop() {
	w.stopped.Store(true)
}

func (w *Writer) run() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)
	for task := range w.todo {
		task.wait <- w.exec(task)
		close(task.wait)
	}
}

func (w *Writer) exec(task writerTask) error {
	txn, err := task.db.BeginTx(task.ctx, nil)
	if err != nil {
		return fmt.Errorf("db.BeginTx: %w", err)
	}
	if err := task.f(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("txn.Commit: %w", err)
	}
	return nil
}
