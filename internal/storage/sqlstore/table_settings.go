package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shineum/bouncebox/internal/storage"
	"github.com/shineum/bouncebox/internal/storage/types"
)

type TableSettings struct {
	db  *sql.DB
	get *sql.Stmt
}

const settingsSchema = `
	CREATE TABLE IF NOT EXISTS settings (
		id 				INTEGER PRIMARY KEY,
		test_mode 		BOOLEAN NOT NULL DEFAULT %[1]s,
		test_email 		TEXT,
		imap_host 		TEXT,
		imap_port 		INTEGER,
		imap_secure 	BOOLEAN NOT NULL DEFAULT %[2]s,
		imap_username 	TEXT,
		imap_password 	TEXT,
		created_at 		%[3]s NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
`

const settingsSeed = `
	INSERT INTO settings (id, test_mode, test_email, imap_host, imap_port, imap_secure, imap_username, imap_password)
	VALUES (1, $1, '', '', $2, $3, '', '')
	ON CONFLICT (id) DO NOTHING
`

const settingsGet = `
	SELECT test_mode, COALESCE(test_email, ''), COALESCE(imap_host, ''), COALESCE(imap_port, 0),
		imap_secure, COALESCE(imap_username, ''), COALESCE(imap_password, '')
	FROM settings WHERE id = 1
`

func NewTableSettings(db *sql.DB, d dialect) (*TableSettings, error) {
	t := &TableSettings{
		db: db,
	}
	_, err := db.Exec(fmt.Sprintf(settingsSchema, d.falseValue, d.trueValue, d.timestamp))
	if err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	defaults := types.DefaultSettings()
	if _, err := db.Exec(settingsSeed, defaults.TestMode, defaults.IMAP.Port, defaults.IMAP.Secure); err != nil {
		return nil, fmt.Errorf("db.Exec(seed): %w", err)
	}
	t.get, err = db.Prepare(settingsGet)
	if err != nil {
		return nil, fmt.Errorf("db.Prepare(get): %w", err)
	}
	return t, nil
}

// Settings returns the singleton settings row, or storage.ErrSettingsMissing
// when it has been removed.
func (t *TableSettings) Settings(ctx context.Context) (types.Settings, error) {
	var s types.Settings
	err := t.get.QueryRowContext(ctx).Scan(
		&s.TestMode,
		&s.TestEmail,
		&s.IMAP.Host,
		&s.IMAP.Port,
		&s.IMAP.Secure,
		&s.IMAP.Username,
		&s.IMAP.Password,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultSettings(), storage.ErrSettingsMissing
	}
	if err != nil {
		return types.DefaultSettings(), &storage.PersistenceError{Op: "read settings", Err: err}
	}
	return s, nil
}
