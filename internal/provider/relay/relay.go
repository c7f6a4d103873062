// Package relay implements a Provider that submits notices to an SMTP
// relay, optionally over STARTTLS with AUTH PLAIN and a DKIM signature.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/bouncebox/internal/email"
)

const defaultTimeout = 30 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	// Addr is the relay's host:port.
	Addr     string
	Username string
	Password string
	// StartTLS requires the relay to offer STARTTLS and upgrades before
	// authenticating.
	StartTLS bool
	// Helo is the name sent in EHLO. Defaults to "localhost".
	Helo string
	// Sender is the envelope and header From when the notice has none.
	Sender string
	// TLSConfig overrides the client TLS settings used for STARTTLS.
	TLSConfig *tls.Config
	// Signer adds a DKIM signature when set.
	Signer  *Signer
	Timeout time.Duration
}

// Provider submits notices to an SMTP relay. One connection is used per
// notice.
type Provider struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Provider {
	if cfg.Helo == "" {
		cfg.Helo = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Provider{cfg: cfg, now: time.Now}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "relay"
}

// Send composes msg, signs it when a Signer is configured and submits it in
// a single SMTP transaction.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	from := msg.From
	if from == "" {
		from = p.cfg.Sender
	}
	if from == "" {
		return fmt.Errorf("relay: no sender address configured")
	}

	body, err := p.compose(from, msg)
	if err != nil {
		return err
	}
	body, err = p.cfg.Signer.Sign(body, from)
	if err != nil {
		return err
	}

	return p.submit(ctx, from, msg.To, body)
}

func (p *Provider) compose(from string, msg *email.Email) ([]byte, error) {
	var h mail.Header
	h.SetDate(p.now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	to := make([]*mail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		if addr != "" {
			to = append(to, &mail.Address{Address: addr})
		}
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMessageID(msg.MessageID)
	} else if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate Message-ID: %w", err)
	}
	for name, value := range msg.Headers {
		h.Set(name, value)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mail.CreateSingleInlineWriter: %w", err)
	}
	if _, err := w.Write([]byte(msg.TextBody)); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close body: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Provider) submit(ctx context.Context, from string, to []string, body []byte) error {
	host, _, err := net.SplitHostPort(p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay address %q: %w", p.cfg.Addr, err)
	}

	dialer := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	deadline := time.Now().Add(p.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp.NewClient: %w", err)
	}
	defer client.Close()

	if err := client.Hello(p.cfg.Helo); err != nil {
		return fmt.Errorf("client.Hello: %w", err)
	}

	if p.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("relay %s does not support STARTTLS", p.cfg.Addr)
		}
		tlsConfig := p.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("client.StartTLS: %w", err)
		}
	}

	if p.cfg.Username != "" {
		auth := sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("client.Auth: %w", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("client.Mail: %w", err)
	}
	for _, rcpt := range to {
		if rcpt == "" {
			continue
		}
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("client.Rcpt(%s): %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("client.Data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	return client.Quit()
}
