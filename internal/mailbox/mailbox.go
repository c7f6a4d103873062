// Package mailbox polls the remote mailbox named in the settings row and
// feeds every new message to the intake pipeline.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/atomic"

	"github.com/shineum/bouncebox/internal/intake"
	"github.com/shineum/bouncebox/internal/metrics"
	"github.com/shineum/bouncebox/internal/storage"
	"github.com/shineum/bouncebox/internal/storage/types"
	bbtls "github.com/shineum/bouncebox/internal/tls"
)

// ErrPollInProgress is returned by Poll while another poll is running.
var ErrPollInProgress = errors.New("mailbox poll already in progress")

const defaultTimeout = 30 * time.Second

// Store is what the poller needs from storage: the mailbox settings and a
// place to remember the last UID it handed over.
type Store interface {
	storage.SettingsReader
	storage.StateStore
}

// Handler receives every fetched message.
type Handler interface {
	Intake(ctx context.Context, raw []byte, sender string) (*intake.Outcome, error)
}

type Config struct {
	Interval time.Duration
	// Timeout bounds dialing and each IMAP command.
	Timeout            time.Duration
	InsecureSkipVerify bool
	// MaxMessageSize skips larger messages. Zero means no limit.
	MaxMessageSize int64
}

// Poller is safe for concurrent use; overlapping polls are refused.
type Poller struct {
	store   Store
	handler Handler
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	running atomic.Bool
}

func New(store Store, h Handler, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Poller{
		store:   store,
		handler: h,
		cfg:     cfg,
		logger:  logger.With("component", "mailbox"),
		metrics: m,
	}
}

// Run polls once immediately and then every Interval until ctx is done.
// Poll errors are logged and do not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return fmt.Errorf("mailbox poll interval must be positive")
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("mailbox poller started", "interval", p.cfg.Interval)
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("mailbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("mailbox poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// StateKey is the storage key holding the cursor of a mailbox: the
// UIDVALIDITY it was taken under and the last UID handed over.
func StateKey(s types.IMAPSettings) string {
	return fmt.Sprintf("imap.last_uid.%s@%s", s.Username, s.Host)
}

// Sender is the identity passed to the handler for messages from the
// mailbox of user.
func Sender(user string) string {
	return "imap:" + user
}

// Poll fetches the messages above the last seen UID and returns how many
// were handed to the handler. Nothing happens when no host is configured.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, ErrPollInProgress
	}
	defer p.running.Store(false)

	settings, err := p.store.Settings(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrSettingsMissing) {
			p.metrics.IncMailboxPoll("skipped")
			return 0, nil
		}
		p.metrics.IncMailboxPoll("error")
		return 0, fmt.Errorf("read settings: %w", err)
	}
	if settings.IMAP.Host == "" {
		p.metrics.IncMailboxPoll("skipped")
		return 0, nil
	}

	n, err := p.poll(ctx, settings.IMAP)
	if err != nil {
		p.metrics.IncMailboxPoll("error")
		return n, err
	}
	p.metrics.IncMailboxPoll("ok")
	return n, nil
}

func (p *Poller) poll(ctx context.Context, s types.IMAPSettings) (int, error) {
	key := StateKey(s)
	logger := p.logger.With("mailbox", fmt.Sprintf("%s@%s", s.Username, s.Host))

	cur, err := p.cursor(ctx, key)
	if err != nil {
		return 0, err
	}

	c, err := p.dial(s)
	if err != nil {
		return 0, err
	}
	defer c.Logout()

	if err := c.Login(s.Username, s.Password); err != nil {
		return 0, fmt.Errorf("imap login: %w", err)
	}

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return 0, fmt.Errorf("imap select INBOX: %w", err)
	}
	if cur.validity != 0 && mbox.UidValidity != 0 && cur.validity != mbox.UidValidity {
		// Old UIDs mean nothing under a new UIDVALIDITY; read the mailbox again.
		logger.Warn("mailbox UIDVALIDITY changed, rescanning",
			"old", cur.validity,
			"new", mbox.UidValidity,
			"last_uid", cur.uid,
		)
		cur.uid = 0
	}
	if mbox.UidValidity != 0 {
		cur.validity = mbox.UidValidity
	}
	lastUID := cur.uid

	if mbox.Messages == 0 || (mbox.UidNext != 0 && lastUID+1 >= mbox.UidNext) {
		logger.Debug("no new messages", "last_uid", lastUID)
		return 0, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(lastUID+1, 0)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchRFC822Size, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	handled := 0
	var stopErr error
	for msg := range messages {
		// "N:*" always returns the highest UID, even when it is below N.
		if stopErr != nil || msg.Uid <= lastUID {
			continue
		}

		ok, err := p.ingest(ctx, msg, section, s.Username, logger)
		if err != nil {
			stopErr = err
			continue
		}
		if ok {
			handled++
		}
		lastUID = msg.Uid
		cur.uid = lastUID
		if err := p.store.StateSet(ctx, key, cur.String()); err != nil {
			stopErr = fmt.Errorf("save last uid: %w", err)
		}
	}

	if err := <-done; err != nil {
		return handled, fmt.Errorf("imap fetch: %w", err)
	}
	if stopErr != nil {
		return handled, stopErr
	}

	logger.Info("mailbox polled", "handled", handled, "last_uid", lastUID)
	return handled, nil
}

// ingest hands one message to the handler and reports whether it did.
// Oversized and empty messages are skipped without error so the UID still
// advances.
func (p *Poller) ingest(ctx context.Context, msg *imap.Message, section *imap.BodySectionName, user string, logger *slog.Logger) (bool, error) {
	if p.cfg.MaxMessageSize > 0 && int64(msg.Size) > p.cfg.MaxMessageSize {
		p.metrics.IncRejected("size")
		logger.Warn("skipping oversized message", "uid", msg.Uid, "size", msg.Size)
		return false, nil
	}

	r := msg.GetBody(section)
	if r == nil {
		logger.Warn("server returned no body", "uid", msg.Uid)
		return false, nil
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("read message %d: %w", msg.Uid, err)
	}

	out, err := p.handler.Intake(ctx, raw, Sender(user))
	if err != nil {
		return false, fmt.Errorf("intake message %d: %w", msg.Uid, err)
	}
	logger.Debug("message handed over", "uid", msg.Uid, "intake_id", out.ID, "label", out.Label.String())
	return true, nil
}

// cursor is the saved position in a mailbox. A zero validity means it is
// not known yet.
type cursor struct {
	validity uint32
	uid      uint32
}

func (c cursor) String() string {
	return fmt.Sprintf("%d:%d", c.validity, c.uid)
}

// parseCursor reads "<uidvalidity>:<uid>". A bare "<uid>" is accepted with
// an unknown validity.
func parseCursor(v string) (cursor, error) {
	if v == "" {
		return cursor{}, nil
	}
	validity, uid, found := strings.Cut(v, ":")
	if !found {
		uid, validity = validity, "0"
	}
	vv, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return cursor{}, fmt.Errorf("bad uidvalidity in %q: %w", v, err)
	}
	uv, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return cursor{}, fmt.Errorf("bad uid in %q: %w", v, err)
	}
	return cursor{validity: uint32(vv), uid: uint32(uv)}, nil
}

func (p *Poller) cursor(ctx context.Context, key string) (cursor, error) {
	v, err := p.store.StateGet(ctx, key)
	if err != nil {
		return cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	c, err := parseCursor(v)
	if err != nil {
		return cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return c, nil
}

func (p *Poller) dial(s types.IMAPSettings) (*client.Client, error) {
	port := s.Port
	if port == 0 {
		port = 143
		if s.Secure {
			port = 993
		}
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}

	var (
		c   *client.Client
		err error
	)
	if s.Secure {
		c, err = client.DialWithDialerTLS(dialer, addr, bbtls.ClientConfig(s.Host, p.cfg.InsecureSkipVerify))
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	c.Timeout = p.cfg.Timeout
	return c, nil
}
