package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"unsaid/internal/privacy"
)

// LogSender accepts every message and only logs it. Used when a real channel is not configured.
type LogSender struct {
	logger logrus.FieldLogger

	mu   sync.Mutex
	sent []Message
}

func NewLogSender(logger logrus.FieldLogger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
	id := uuid.NewString()
	l.logger.WithFields(logrus.Fields{
		"submission_id": msg.SubmissionID,
		"channel":       msg.ContactType,
		"to":            privacy.MaskContact(string(msg.ContactType), msg.To),
		"message_id":    id,
	}).Info("Delivery recorded by log channel")
	return Receipt{Provider: l.Name(), ProviderMessageID: id}, nil
}

// Sent returns a copy of every message accepted so far.
func (l *LogSender) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.sent...)
}
