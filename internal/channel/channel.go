package channel

import (
	"context"
	"errors"
	"fmt"

	"unsaid/internal/domain"
)

// Message is one outbound text for a recipient.
type Message struct {
	SubmissionID  string
	ContactType   domain.ContactType
	To            string
	RecipientName string
	Subject       string
	Body          string
}

// Receipt identifies an accepted send at the provider.
type Receipt struct {
	Provider          string `json:"provider"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
}

// Sender transmits a message over one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
	Name() string
}

var ErrNoChannel = errors.New("no delivery channel configured")

// PermanentError marks a failure that retrying cannot fix, such as a rejected address.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(format string, args ...any) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p) || errors.Is(err, ErrNoChannel)
}
