// Package email defines the outbound notice handed to a delivery provider.
package email

import (
	"errors"
	"strings"
)

// ErrNoRecipients is returned by Validate when a notice has no usable
// destination address.
var ErrNoRecipients = errors.New("email: no recipients")

// Email is a plain-text notice produced by bouncebox.
type Email struct {
	From      string
	To        []string
	Subject   string
	TextBody  string
	MessageID string
	// Headers are extra header fields written verbatim, e.g. the
	// classification label.
	Headers map[string]string
}

// Validate reports whether the notice can be handed to a provider.
func (e *Email) Validate() error {
	for _, to := range e.To {
		if strings.TrimSpace(to) != "" {
			return nil
		}
	}
	return ErrNoRecipients
}
