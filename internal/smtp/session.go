package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/bouncebox/internal/intake"
	"github.com/shineum/bouncebox/internal/metrics"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when no limit is configured (25 MB).
const DefaultMaxMessageSize = 25 * 1024 * 1024

// AnonymousSender is the sender identity of sessions that did not
// authenticate.
const AnonymousSender = "anonymous"

// Handler receives every message accepted by DATA.
type Handler interface {
	Intake(ctx context.Context, raw []byte, sender string) (*intake.Outcome, error)
}

// SessionConfig holds per-connection settings shared by all sessions of
// a server.
type SessionConfig struct {
	Hostname string
	// TLSConfig enables STARTTLS when set.
	TLSConfig      *tls.Config
	MaxMessageSize int64
	Metrics        *metrics.Metrics
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	state   int
	auth    *Authenticator
	handler Handler
	cfg     SessionConfig

	tlsActive bool
	// user is the authenticated username, empty for anonymous sessions.
	user string

	// Current transaction. mailFrom may be empty for the null reverse-path
	// used by delivery status notifications.
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, handler Handler, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		state:   stateConnected,
		auth:    auth,
		handler: handler,
		cfg:     cfg,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, an error occurs or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()
	s.cfg.Metrics.SessionOpened()
	defer s.cfg.Metrics.SessionClosed()

	s.writeLine("220 %s ESMTP bouncebox", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// sender is the identity passed to the handler.
func (s *Session) sender() string {
	if s.user != "" {
		return s.user
	}
	return AnonymousSender
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS. The client must greet
// and authenticate again afterwards.
func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.user = ""
	s.resetTransaction()
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	switch mechanism {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334 ")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	user, err := s.auth.VerifyPlain(encoded)
	if err != nil {
		slog.Warn("SMTP authentication failed", "mechanism", "PLAIN", "remote", s.conn.RemoteAddr().String())
		s.writeLine("535 Authentication failed")
		return
	}

	s.authenticated(user)
}

func (s *Session) handleAuthLogin() {
	// base64 "Username:"
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	encodedUser := strings.TrimRight(userLine, "\r\n")
	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	// base64 "Password:"
	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	encodedPass := strings.TrimRight(passLine, "\r\n")
	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	user, err := s.auth.VerifyLogin(encodedUser, encodedPass)
	if err != nil {
		slog.Warn("SMTP authentication failed", "mechanism", "LOGIN", "remote", s.conn.RemoteAddr().String())
		s.writeLine("535 Authentication failed")
		return
	}

	s.authenticated(user)
}

func (s *Session) authenticated(user string) {
	s.user = user
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes MAIL FROM. The null reverse-path "<>" is accepted.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Sender already specified")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	path, params := splitPath(arg[5:])
	addr := extractAddress(path)
	if addr == "" && path != "<>" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := sizeParam(params); ok && size > s.cfg.MaxMessageSize {
		s.cfg.Metrics.IncRejected("size")
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	path, _ := splitPath(arg[3:])
	addr := extractAddress(path)
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message and hands it to the handler. The reply is
// written only after the handler returns. It returns true when the session
// must end.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooBig, err := s.readData()
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return true
	}
	if tooBig {
		s.cfg.Metrics.IncRejected("size")
		slog.Warn("message exceeds size limit",
			"limit", s.cfg.MaxMessageSize,
			"mail_from", s.mailFrom,
		)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}

	out, err := s.handler.Intake(ctx, raw, s.sender())
	if err != nil {
		slog.Warn("intake refused message", "error", err)
		s.writeLine("421 Service shutting down")
		return true
	}

	slog.Debug("message accepted",
		"mail_from", s.mailFrom,
		"rcpt_to", s.rcptTo,
		"size", len(raw),
		"intake_id", out.ID,
		"label", out.Label.String(),
	)
	s.writeLine("250 OK message accepted")
	s.resetTransaction()
	return false
}

// dataLineSlack is the line length always buffered in DATA so the
// terminating "." is recognised after the size limit is hit.
const dataLineSlack = 1024

// readData reads dot-stuffed message lines up to the terminating ".".
// Once the limit is exceeded the rest is drained and discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooBig := false
	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, false, err
		}

		limit := int64(dataLineSlack)
		if !tooBig {
			if remaining := s.cfg.MaxMessageSize - int64(buf.Len()); remaining > limit {
				limit = remaining
			}
		}
		line, fits, err := s.readLimitedLine(limit)
		if err != nil {
			return nil, false, err
		}
		if !fits {
			tooBig = true
			buf.Reset()
			continue
		}

		if bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte(".")) {
			break
		}
		if bytes.HasPrefix(line, []byte("..")) {
			line = line[1:]
		}

		if tooBig {
			continue
		}
		if int64(buf.Len()+len(line)) > s.cfg.MaxMessageSize {
			tooBig = true
			buf.Reset()
			continue
		}
		buf.Write(line)
	}
	return buf.Bytes(), tooBig, nil
}

// readLimitedLine reads one line of at most limit bytes. A longer line is
// drained and discarded and fits is false.
func (s *Session) readLimitedLine(limit int64) (line []byte, fits bool, err error) {
	fits = true
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if fits {
			if int64(len(line)+len(chunk)) > limit {
				fits = false
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return line, fits, nil
	}
}

func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// splitPath separates the path of a MAIL/RCPT argument from its ESMTP
// parameters.
func splitPath(s string) (string, string) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		if end := strings.Index(s, ">"); end >= 0 {
			return s[:end+1], strings.TrimSpace(s[end+1:])
		}
		return s, ""
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

// sizeParam returns the value of a SIZE= parameter.
func sizeParam(params string) (int64, bool) {
	for _, p := range strings.Fields(params) {
		k, v, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(k, "SIZE") {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// extractAddress extracts an email address from an SMTP path, handling
// both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	return s
}
