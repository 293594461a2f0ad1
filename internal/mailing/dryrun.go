package mailing

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// DryRunSender accepts every message without delivering it. The worker uses
// it when SES is disabled so automations can be exercised end to end.
type DryRunSender struct {
	mu   sync.Mutex
	sent []Message
}

// NewDryRunSender creates a sender that only records messages.
func NewDryRunSender() *DryRunSender {
	return &DryRunSender{}
}

// Send records msg and returns a synthetic message id.
func (s *DryRunSender) Send(ctx context.Context, msg Message) (string, error) {
	id := "dryrun-" + uuid.New().String()
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	logger.Info("dry-run send", "recipient", msg.To, "subject", msg.Subject, "message_id", id)
	return id, nil
}

// Sent returns a copy of the recorded messages.
func (s *DryRunSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}
