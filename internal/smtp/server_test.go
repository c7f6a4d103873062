package smtp

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/bouncebox/internal/bounce"
	"github.com/shineum/bouncebox/internal/intake"
	"github.com/shineum/bouncebox/internal/storage/types"
)

func TestServer_DeliverAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	h := &mockHandler{}
	srv := New(ServerConfig{Hostname: "mx.test.com", Handler: h})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	c, err := gosmtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Hello("client.test.com"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if err := c.Mail("", nil); err != nil {
		t.Fatalf("mail: %v", err)
	}
	if err := c.Rcpt("postmaster@test.com"); err != nil {
		t.Fatalf("rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if _, err := w.Write([]byte("Subject: Delivery Status Notification (Failure)\r\n\r\n550 5.1.1 no such user\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close data: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("quit: %v", err)
	}

	if got := srv.Addr(); got != ln.Addr().String() {
		t.Errorf("Addr: got %q, want %q", got, ln.Addr().String())
	}

	raw, senders := h.calls()
	if len(raw) != 1 {
		t.Fatalf("handler calls: got %d, want 1", len(raw))
	}
	if !strings.Contains(string(raw[0]), "5.1.1 no such user") {
		t.Errorf("raw message: got %q", raw[0])
	}
	if senders[0] != AnonymousSender {
		t.Errorf("sender: got %q, want %q", senders[0], AnonymousSender)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_AddrBeforeServe(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{})
	if got := srv.Addr(); got != "" {
		t.Errorf("Addr: got %q, want empty", got)
	}
}

// memStore keeps bounce records in memory for pipeline-backed tests.
type memStore struct {
	mu      sync.Mutex
	records []types.BounceRecord
}

func (m *memStore) Settings(context.Context) (types.Settings, error) {
	return types.DefaultSettings(), nil
}

func (m *memStore) InsertBounce(_ context.Context, rec *types.BounceRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return int64(len(m.records)), nil
}

func (m *memStore) MarkProcessed(context.Context, int64) error { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, types.EventType, string, map[string]any) {}

// stalledNotifier blocks every send until release is closed.
type stalledNotifier struct {
	release chan struct{}
}

func (n *stalledNotifier) Send(context.Context, string, string, bounce.Label) error {
	<-n.release
	return nil
}

func TestSession_AcknowledgesBeforeNotification(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	notifier := &stalledNotifier{release: make(chan struct{})}
	pipeline := intake.New(store, nopRecorder{}, notifier, nil, nil)

	client, reader := startSession(t, NewAuthenticator("", ""), pipeline, SessionConfig{})
	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	ehlo(t, client, reader)

	expect(t, client, reader, "MAIL FROM:<>", "250")
	expect(t, client, reader, "RCPT TO:<postmaster@test.com>", "250")
	expect(t, client, reader, "DATA", "354")
	sendMessage(t, client,
		"Subject: Undeliverable",
		"",
		"550 5.1.1 no such user",
	)
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("DATA reply with notifier stalled: got %q, want prefix '250 '", resp)
	}
	if got := store.count(); got != 1 {
		t.Errorf("records: got %d, want 1", got)
	}

	close(notifier.release)
	if err := pipeline.Drain(context.Background()); err != nil {
		t.Errorf("Drain: %v", err)
	}
}
