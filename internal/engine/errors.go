package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseHeld means another dispatch of the same submission is in flight.
	ErrLeaseHeld = errors.New("dispatch already in progress")
	// ErrRetryLimit means the configured retry bound has been reached.
	ErrRetryLimit = errors.New("retry limit reached")
)

// PreconditionError rejects an operation the record's current state does not allow.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// DeliveryError is a channel failure as recorded on the submission.
type DeliveryError struct {
	Reason  string
	Timeout bool
	Err     error
}

func (e DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery failed (%s): %v", e.Reason, e.Err)
	}
	return "delivery failed: " + e.Reason
}

func (e DeliveryError) Unwrap() error { return e.Err }
