package engine

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"unsaid/internal/channel"
	"unsaid/internal/circuitbreaker"
	"unsaid/internal/config"
	"unsaid/internal/domain"
	"unsaid/internal/events"
	"unsaid/internal/tracing"
)

const maxReasonLength = 500

// MarkDelivered is the administrative completion signal. It forces a pending submission to
// delivered; an already delivered one is returned unchanged and a failed one must be retried first.
func (e Engine) MarkDelivered(ctx context.Context, id, actorID string) (domain.Submission, error) {
	s, _, err := e.transition(ctx, id, actorID, func(s *domain.Submission, now time.Time) (string, events.EventPayload, error) {
		switch s.Status {
		case domain.StatusDelivered:
			return "", nil, nil
		case domain.StatusFailed:
			return "", nil, PreconditionError{Reason: "submission failed; retry before marking delivered"}
		}
		payload := events.EventPayload{"source": "manual"}
		s.Status = domain.StatusDelivered
		if s.DeliveredAt == nil {
			s.DeliveredAt = &now
		}
		return events.SubmissionDelivered, payload, nil
	})
	return s, err
}

type sendResult struct {
	receipt channel.Receipt
	err     error
	elapsed time.Duration
}

// Dispatch sends a pending submission through its channel while holding the per-submission lease.
// Channel failures are recorded on the returned record rather than returned as errors.
func (e Engine) Dispatch(ctx context.Context, id, actorID string) (domain.Submission, error) {
	if e.Config == nil {
		return domain.Submission{}, errors.New("config not loaded")
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return s, err
	}
	if done, err := dispatchable(s); done || err != nil {
		return s, err
	}

	holder := uuid.NewString()
	now := e.now()
	ok, err := e.Repo.AcquireLease(ctx, domain.DispatchLease{
		SubmissionID: id,
		HolderID:     holder,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(e.Config.Dispatch.LeaseTTL),
	})
	if err != nil {
		return s, err
	}
	if !ok {
		return s, ErrLeaseHeld
	}
	bg := context.WithoutCancel(ctx)
	keepLease := false
	defer func() {
		if !keepLease {
			e.releaseLease(bg, id, holder)
		}
	}()

	// state may have moved between the first read and the lease
	if s, err = e.Repo.GetSubmission(ctx, id); err != nil {
		return s, err
	}
	if done, err := dispatchable(s); done || err != nil {
		return s, err
	}

	ctx, span := tracing.StartSpan(ctx, "engine.dispatch",
		attribute.String("submission.id", s.ID),
		attribute.String("submission.contact_type", string(s.ContactType)),
	)
	defer span.End()

	sender := e.Channels
	if sender == nil {
		return e.recordFailure(ctx, s, actorID, DeliveryError{Reason: "no_channel", Err: channel.ErrNoChannel})
	}
	msg := channel.ConfessionMessage(s, e.Config.Reveal.Delay)
	sendCtx, cancel := context.WithTimeout(bg, e.Config.Dispatch.Timeout)
	results := make(chan sendResult, 1)
	go func() {
		started := time.Now()
		receipt, err := sender.Send(sendCtx, msg)
		results <- sendResult{receipt: receipt, err: err, elapsed: time.Since(started)}
	}()

	select {
	case res := <-results:
		cancel()
		dispatchDurationHist.WithLabelValues(string(s.ContactType)).Observe(res.elapsed.Seconds())
		if res.err != nil {
			derr := classify(res.err)
			tracing.RecordError(ctx, derr)
			return e.recordFailure(ctx, s, actorID, derr)
		}
		return e.recordDelivery(ctx, s, actorID, res.receipt)
	case <-sendCtx.Done():
		// the send is abandoned but keeps the lease until it returns, so no second attempt can race it
		keepLease = true
		go e.awaitLateOutcome(bg, s, holder, results, cancel)
		derr := DeliveryError{Reason: "timeout", Timeout: true, Err: context.DeadlineExceeded}
		tracing.RecordError(ctx, derr)
		return e.recordFailure(bg, s, actorID, derr)
	}
}

// dispatchable reports done for delivered records and rejects failed ones, which need a retry first.
func dispatchable(s domain.Submission) (bool, error) {
	switch s.Status {
	case domain.StatusDelivered:
		return true, nil
	case domain.StatusFailed:
		return false, PreconditionError{Reason: "submission failed; retry before dispatching again"}
	}
	return false, nil
}

func (e Engine) recordDelivery(ctx context.Context, s domain.Submission, actorID string, receipt channel.Receipt) (domain.Submission, error) {
	dispatchOutcomeCounter.WithLabelValues(string(s.ContactType), "delivered").Inc()
	out, _, err := e.transition(ctx, s.ID, actorID, func(s *domain.Submission, now time.Time) (string, events.EventPayload, error) {
		if s.Status != domain.StatusPending {
			return "", nil, nil
		}
		s.Status = domain.StatusDelivered
		s.FailureReason = ""
		if s.DeliveredAt == nil {
			s.DeliveredAt = &now
		}
		return events.SubmissionDelivered, events.EventPayload{
			"source":              "dispatch",
			"provider":            receipt.Provider,
			"provider_message_id": receipt.ProviderMessageID,
		}, nil
	})
	if err == nil {
		e.logger().WithFields(logrus.Fields{
			"submission_id": s.ID,
			"provider":      receipt.Provider,
		}).Info("Submission delivered")
	}
	return out, err
}

func (e Engine) recordFailure(ctx context.Context, s domain.Submission, actorID string, derr DeliveryError) (domain.Submission, error) {
	outcome := "failed"
	if derr.Timeout {
		outcome = "timeout"
	}
	dispatchOutcomeCounter.WithLabelValues(string(s.ContactType), outcome).Inc()
	out, _, err := e.transition(ctx, s.ID, actorID, func(s *domain.Submission, now time.Time) (string, events.EventPayload, error) {
		if s.Status != domain.StatusPending {
			return "", nil, nil
		}
		s.Status = domain.StatusFailed
		s.FailureReason = derr.Reason
		return events.SubmissionFailed, events.EventPayload{"reason": derr.Reason, "timeout": derr.Timeout}, nil
	})
	if err == nil {
		e.logger().WithFields(logrus.Fields{
			"submission_id": s.ID,
			"reason":        derr.Reason,
		}).Warn("Submission delivery failed")
	}
	return out, err
}

// awaitLateOutcome records what an abandoned send eventually did, then frees the lease.
func (e Engine) awaitLateOutcome(ctx context.Context, s domain.Submission, holder string, results <-chan sendResult, cancel context.CancelFunc) {
	res := <-results
	cancel()
	defer e.releaseLease(ctx, s.ID, holder)

	outcome := "delivered"
	payload := events.EventPayload{"outcome": outcome, "provider": res.receipt.Provider, "provider_message_id": res.receipt.ProviderMessageID}
	if res.err != nil {
		outcome = "failed"
		payload = events.EventPayload{"outcome": outcome, "reason": classify(res.err).Reason}
	}
	log := e.logger().WithFields(logrus.Fields{"submission_id": s.ID, "outcome": outcome})
	if outcome == "delivered" {
		log.Warn("Timed out send was accepted by the provider; mark delivered to reconcile")
	} else {
		log.Info("Timed out send finished with an error")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Failed to record late dispatch outcome")
		return
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, events.SubmissionLateOutcome, events.KindSubmission, s.ID, "system", payload); err != nil {
		log.WithError(err).Error("Failed to record late dispatch outcome")
		return
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("Failed to record late dispatch outcome")
	}
}

func (e Engine) releaseLease(ctx context.Context, id, holder string) {
	if err := e.Repo.ReleaseLease(ctx, id, holder); err != nil {
		e.logger().WithError(err).WithField("submission_id", id).Error("Failed to release dispatch lease")
	}
}

// classify turns a channel error into the reason stored on the record.
func classify(err error) DeliveryError {
	var (
		perm *channel.PermanentError
		open *circuitbreaker.OpenError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return DeliveryError{Reason: "timeout", Timeout: true, Err: err}
	case errors.Is(err, channel.ErrNoChannel):
		return DeliveryError{Reason: "no_channel", Err: err}
	case errors.As(err, &perm):
		return DeliveryError{Reason: truncate("rejected: " + perm.Reason), Err: err}
	case errors.As(err, &open):
		return DeliveryError{Reason: "channel_unavailable", Err: err}
	}
	return DeliveryError{Reason: truncate("provider_error: " + err.Error()), Err: err}
}

func truncate(s string) string {
	if len(s) <= maxReasonLength {
		return s
	}
	cut := maxReasonLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Retry moves a failed submission back to pending. A non-zero dispatch.max_retries bounds it.
func (e Engine) Retry(ctx context.Context, id, actorID string) (domain.Submission, error) {
	if e.Config == nil {
		return domain.Submission{}, errors.New("config not loaded")
	}
	limit := e.Config.Dispatch.MaxRetries
	s, _, err := e.transition(ctx, id, actorID, func(s *domain.Submission, now time.Time) (string, events.EventPayload, error) {
		if s.Status != domain.StatusFailed {
			return "", nil, PreconditionError{Reason: "only failed submissions can be retried"}
		}
		if limit > 0 && s.RetryCount >= limit {
			return "", nil, ErrRetryLimit
		}
		previous := s.FailureReason
		s.Status = domain.StatusPending
		s.RetryCount++
		s.FailureReason = ""
		return events.SubmissionRetried, events.EventPayload{"retry_count": s.RetryCount, "previous_reason": previous}, nil
	})
	if err != nil {
		return s, err
	}
	if e.Config.Dispatch.Mode == config.DispatchAuto {
		e.enqueue(s.ID)
	}
	return s, nil
}
