// Package mailing delivers automation emails: a provider-neutral Sender,
// the SES v2 implementation, and Liquid personalisation of content.
package mailing

import (
	"context"
	"errors"
)

// ErrSenderNotConfigured is returned by a sender without credentials.
var ErrSenderNotConfigured = errors.New("mail sender not configured")

// Message is one outbound email.
type Message struct {
	FromAddress string
	FromName    string
	To          string
	Subject     string
	HTMLBody    string
	TextBody    string

	// Tags are attached to the provider message for event correlation.
	Tags map[string]string
}

// Sender delivers one message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// From renders the RFC 5322 from header.
func (m Message) From() string {
	if m.FromName == "" {
		return m.FromAddress
	}
	return m.FromName + " <" + m.FromAddress + ">"
}
