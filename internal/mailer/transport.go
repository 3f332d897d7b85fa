// Package mailer delivers rendered emails through a configured transport.
// Two transports are supported: a plain SMTP relay and AWS SES. The
// executor only sees the Transport interface.
package mailer

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/config"
)

// Message is one fully rendered email ready for delivery
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Transport sends one email. Implementations return an error whose text
// carries the upstream SMTP/API diagnostic; the caller classifies it.
type Transport interface {
	// Name identifies the transport in logs
	Name() string
	// Configured reports whether the transport has working credentials.
	// Campaigns refuse to start on an unconfigured transport.
	Configured() bool
	// Send delivers the message, honoring ctx cancellation
	Send(ctx context.Context, msg *Message) error
}

// NewTransport builds the transport named in config
func NewTransport(cfg *config.Config) (Transport, error) {
	switch cfg.Transport.Type {
	case "smtp":
		return NewSMTPTransport(cfg.SMTP), nil
	case "ses":
		return NewSESTransport(context.Background(), cfg.SES)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}
}
