// Package stdout implements a Provider that prints notices to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/shineum/bouncebox/internal/email"
)

// Provider prints notices in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the notice. Write errors are returned so that a closed pipe
// shows up as a failed notification.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var b strings.Builder

	b.WriteString("========================================\n")
	if msg.From != "" {
		b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	}
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(fmt.Sprintf("%s: %s\n", name, msg.Headers[name]))
	}

	b.WriteString("Body:\n")
	b.WriteString(msg.TextBody + "\n")
	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("write notice: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
