// Package provider defines the interface for notice delivery backends.
package provider

import (
	"context"

	"github.com/shineum/bouncebox/internal/email"
)

// Provider is the interface that notice delivery backends must implement.
// Each provider hands a composed notice to the target service (stdout, an
// SMTP relay or AWS SES).
type Provider interface {
	// Send delivers a notice through this provider. It does not retry.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
