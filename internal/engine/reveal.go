package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"unsaid/internal/channel"
	"unsaid/internal/domain"
	"unsaid/internal/events"
	"unsaid/internal/tracing"
)

const (
	TriggerAdmin = "admin"
	TriggerTimer = "timer"
)

// Reveal discloses the sender of a delivered reveal-plan submission. Revealing twice is a no-op.
func (e Engine) Reveal(ctx context.Context, id, actorID string) (domain.Submission, error) {
	s, changed, err := e.transition(ctx, id, actorID, revealMutation(TriggerAdmin, nil))
	if err != nil {
		return s, err
	}
	if changed {
		e.sendRevealNotice(ctx, s)
	}
	return s, nil
}

// MaybeReveal reveals s when the reveal delay has elapsed since delivery, and otherwise returns it unchanged.
func (e Engine) MaybeReveal(ctx context.Context, s domain.Submission) (domain.Submission, bool, error) {
	if e.Config == nil {
		return s, false, errors.New("config not loaded")
	}
	delay := e.Config.Reveal.Delay
	if !s.RevealDue(e.now(), delay) {
		return s, false, nil
	}
	due := func(s domain.Submission, now time.Time) bool { return s.RevealDue(now, delay) }
	out, changed, err := e.transition(ctx, s.ID, "system", revealMutation(TriggerTimer, due))
	if err != nil {
		return s, false, err
	}
	if changed {
		e.sendRevealNotice(ctx, out)
	}
	return out, changed, nil
}

// revealMutation sets revealed once. due, when set, must also hold on the fresh record.
func revealMutation(trigger string, due func(domain.Submission, time.Time) bool) mutation {
	return func(s *domain.Submission, now time.Time) (string, events.EventPayload, error) {
		if s.Plan != domain.PlanReveal {
			return "", nil, PreconditionError{Reason: "submission plan is anonymous"}
		}
		if s.Revealed {
			return "", nil, nil
		}
		if s.Status != domain.StatusDelivered {
			return "", nil, PreconditionError{Reason: "submission has not been delivered"}
		}
		if due != nil && !due(*s, now) {
			return "", nil, nil
		}
		s.Revealed = true
		s.RevealedAt = &now
		return events.SubmissionRevealed, events.EventPayload{"trigger": trigger}, nil
	}
}

// SweepReveals reveals every due submission, one batch at a time, and returns how many changed.
func (e Engine) SweepReveals(ctx context.Context) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	ctx, span := tracing.StartSpan(ctx, "engine.sweep_reveals")
	defer span.End()

	cutoff := e.now().Add(-e.Config.Reveal.Delay)
	revealed := 0
	var firstErr error
	seen := map[string]bool{}
	for {
		batch, err := e.Repo.ListRevealDue(ctx, cutoff, e.Config.Reveal.BatchSize)
		if err != nil {
			revealSweepCounter.WithLabelValues("error").Inc()
			tracing.RecordError(ctx, err)
			return revealed, err
		}
		progressed := false
		for _, s := range batch {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			progressed = true
			_, changed, err := e.MaybeReveal(ctx, s)
			if err != nil {
				e.logger().WithError(err).WithField("submission_id", s.ID).Error("Failed to reveal submission")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if changed {
				revealed++
			}
		}
		if !progressed || len(batch) < e.Config.Reveal.BatchSize {
			break
		}
	}
	status := "ok"
	if firstErr != nil {
		status = "partial"
	}
	revealSweepCounter.WithLabelValues(status).Inc()
	span.SetAttributes(attribute.Int("reveal.count", revealed))
	if revealed > 0 {
		e.logger().WithField("revealed", revealed).Info("Reveal sweep completed")
	}
	return revealed, firstErr
}

// sendRevealNotice tells the recipient who the sender was, when enabled. Failures are only logged.
func (e Engine) sendRevealNotice(ctx context.Context, s domain.Submission) {
	if e.Config == nil || !e.Config.Reveal.NotifyRecipient || e.Channels == nil {
		return
	}
	log := e.logger().WithFields(logrus.Fields{"submission_id": s.ID})
	owner, err := e.Repo.GetUser(ctx, nil, s.OwnerID)
	if err != nil {
		log.WithError(err).Warn("Reveal notice skipped, sender not found")
		return
	}
	name := owner.Name
	if name == "" {
		name = owner.Email
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Config.Dispatch.Timeout)
	defer cancel()
	if _, err := e.Channels.Send(ctx, channel.RevealNotice(s, name)); err != nil {
		log.WithError(err).Warn("Failed to send reveal notice")
		return
	}
	log.Info("Reveal notice sent")
}
