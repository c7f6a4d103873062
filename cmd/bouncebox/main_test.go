package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/bouncebox/internal/bounce"
	"github.com/shineum/bouncebox/internal/config"
	"github.com/shineum/bouncebox/internal/storage/sqlstore"
	"github.com/shineum/bouncebox/internal/storage/types"
)

const hardBounce = "From: MAILER-DAEMON@mx.example.com\r\n" +
	"To: sender@example.com\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Message-ID: <dsn-1@mx.example.com>\r\n" +
	"\r\n" +
	"550 5.1.1 <nobody@example.com>: Recipient address rejected: User unknown\r\n"

// isolate points storage at a temp database and blanks the variables that
// could make a host environment fail validation.
func isolate(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bouncebox.db")
	for _, env := range []string{"NOTIFY_PROVIDER", "LOG_LEVEL", "SMTP_MAX_MESSAGE_SIZE", "IMAP_POLL_ENABLED", "REDIS_URL"} {
		t.Setenv(env, "")
	}
	t.Setenv("STORAGE_DRIVER", "sqlite3")
	t.Setenv("STORAGE_DSN", dsn)
	return dsn
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClassifyStdin(t *testing.T) {
	out, err := run(t, hardBounce, "classify")
	require.NoError(t, err)
	assert.Contains(t, out, "label:      hard_bounce")
	assert.Contains(t, out, "from:       MAILER-DAEMON@mx.example.com")
	assert.Contains(t, out, "subject:    Undelivered Mail Returned to Sender")
	assert.Contains(t, out, "message-id: <dsn-1@mx.example.com>")
}

func TestClassifyMissingFile(t *testing.T) {
	_, err := run(t, "", "classify", filepath.Join(t.TempDir(), "nope.eml"))
	assert.Error(t, err)
}

func TestBouncesAndActivity(t *testing.T) {
	dsn := isolate(t)

	store, err := sqlstore.Open("sqlite3", dsn)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.InsertBounce(ctx, &types.BounceRecord{
		MessageID: "<dsn-1@mx.example.com>",
		From:      "MAILER-DAEMON@mx.example.com",
		To:        "sender@example.com",
		Subject:   "Undelivered Mail Returned to Sender",
		Label:     bounce.HardBounce,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, &types.ActivityEvent{
		Type:      types.EventEmailReceived,
		Message:   "Received new email",
		Details:   map[string]any{"from": "anonymous"},
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	out, err := run(t, "", "bounces", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "LABEL")
	assert.Contains(t, out, "hard_bounce")
	assert.Contains(t, out, "sender@example.com")

	out, err = run(t, "", "activity")
	require.NoError(t, err)
	assert.Contains(t, out, "email_received")
	assert.Contains(t, out, `{"from":"anonymous"}`)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger("warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestSelectProvider(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger("error", &buf)
	ctx := context.Background()

	p, err := selectProvider(ctx, &config.Config{}, logger, &buf)
	require.NoError(t, err)
	assert.Equal(t, "stdout", p.Name())

	p, err = selectProvider(ctx, &config.Config{
		Notify: config.NotifyConfig{Sender: "bounces@example.com"},
		Relay:  config.RelayConfig{Addr: "relay.example.com:587"},
	}, logger, &buf)
	require.NoError(t, err)
	assert.Equal(t, "relay", p.Name())

	_, err = selectProvider(ctx, &config.Config{
		Notify: config.NotifyConfig{Provider: config.ProviderSES},
	}, logger, &buf)
	assert.Error(t, err, "ses without region and sender")

	_, err = selectProvider(ctx, &config.Config{
		Notify: config.NotifyConfig{Provider: config.ProviderRelay, Sender: "bounces@example.com"},
		Relay:  config.RelayConfig{Addr: "relay.example.com:587"},
		DKIM:   config.DKIMConfig{Selector: "mail", KeyFile: filepath.Join(t.TempDir(), "missing.pem")},
	}, logger, &buf)
	assert.Error(t, err, "unreadable DKIM key")

	_, err = selectProvider(ctx, &config.Config{
		Notify: config.NotifyConfig{Provider: "pigeon"},
	}, logger, &buf)
	assert.Error(t, err)
}

func TestRunServeStopsOnCancel(t *testing.T) {
	isolate(t)
	t.Setenv("SMTP_LISTEN", "127.0.0.1:0")
	t.Setenv("METRICS_LISTEN", "127.0.0.1:0")
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runServe(ctx, "") }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestRunServeBadConfig(t *testing.T) {
	isolate(t)
	t.Setenv("STORAGE_DRIVER", "mysql")

	err := runServe(context.Background(), "")
	assert.Error(t, err)
}
