package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"unsaid/internal/channel"
	"unsaid/internal/config"
	"unsaid/internal/db"
	"unsaid/internal/domain"
	"unsaid/internal/engine/auth"
	"unsaid/internal/events"
	"unsaid/internal/notify"
	"unsaid/internal/payment"
	"unsaid/internal/privacy"
	"unsaid/internal/repo"
	"unsaid/internal/seal"
	"unsaid/internal/validate"
)

// Enqueuer accepts submission ids for background dispatch.
type Enqueuer interface {
	Enqueue(id string) bool
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Channels channel.Sender
	Notifier notify.Publisher
	Queue    Enqueuer
	Payments payment.Provider
	Logger   logrus.FieldLogger
}

func New(conn *sql.DB, dialect db.Dialect, sealer *seal.Sealer, cfg *config.Config, logger logrus.FieldLogger) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect, Sealer: sealer},
		Events: events.Writer{Dialect: dialect},
		Config: cfg,
		Now:    time.Now,
		Logger: logger,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// Submit validates, checks entitlement and stores a new pending submission.
// An anonymous identity is rejected before anything else; after that validation runs first
// so callers always see every field error.
func (e Engine) Submit(ctx context.Context, identity auth.Identity, req validate.Request) (domain.Submission, error) {
	if e.Config == nil {
		return domain.Submission{}, errors.New("config not loaded")
	}
	if identity.OwnerID == "" {
		return domain.Submission{}, auth.ErrUnauthenticated
	}
	v, err := validate.Submission(req)
	if err != nil {
		return domain.Submission{}, err
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	user, err := e.Repo.GetUser(ctx, tx, identity.OwnerID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Submission{}, auth.ErrUnauthenticated
	}
	if err != nil {
		return domain.Submission{}, err
	}
	var sub *domain.Subscription
	active, err := e.Repo.ActiveSubscription(ctx, tx, user.ID, now)
	switch {
	case err == nil:
		sub = &active
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Submission{}, err
	}
	freeBlocked := false
	if e.Config.Entitlement.FreePerDevice && !user.Developer && user.FreeRemaining > 0 {
		if freeBlocked, err = e.Repo.DeviceUsedFreeTx(ctx, tx, v.DeviceID); err != nil {
			return domain.Submission{}, err
		}
	}

	decision := auth.Decide(user, sub, freeBlocked, now)
	if decision.Grant == auth.GrantFree {
		ok, err := e.Repo.ConsumeFreeMessageTx(ctx, tx, user.ID, v.DeviceID)
		if err != nil {
			return domain.Submission{}, err
		}
		if !ok {
			// quota spent by a concurrent submission
			user.FreeRemaining = 0
			decision = auth.Decide(user, sub, freeBlocked, now)
		}
	}
	if !decision.Allowed() {
		entitlementRejectedCounter.WithLabelValues(decision.Err.Reason).Inc()
		if decision.ExpireSubscription != "" {
			if err := e.expireStaleSubscriptions(ctx, tx, user.ID, now); err != nil {
				return domain.Submission{}, err
			}
			if err := tx.Commit(); err != nil {
				return domain.Submission{}, err
			}
		}
		return domain.Submission{}, *decision.Err
	}

	if err := e.expireStaleSubscriptions(ctx, tx, user.ID, now); err != nil {
		return domain.Submission{}, err
	}

	s := domain.Submission{
		ID:               uuid.NewString(),
		OwnerID:          user.ID,
		Message:          v.Message,
		RecipientName:    v.RecipientName,
		RecipientContact: v.RecipientContact,
		ContactType:      v.ContactType,
		Plan:             v.Plan,
		Status:           domain.StatusPending,
		DeviceID:         v.DeviceID,
		IsFree:           decision.Grant == auth.GrantFree,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.CreateSubmissionTx(ctx, tx, s); err != nil {
		return domain.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.SubmissionCreated, events.KindSubmission, s.ID, user.ID, events.EventPayload{
		"plan":         s.Plan,
		"contact_type": s.ContactType,
		"grant":        decision.Grant,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}

	submissionsCreatedCounter.WithLabelValues(string(s.Plan), string(decision.Grant)).Inc()
	e.logger().WithFields(logrus.Fields{
		"submission_id": s.ID,
		"owner_id":      s.OwnerID,
		"contact_type":  s.ContactType,
		"recipient":     privacy.MaskContact(string(s.ContactType), s.RecipientContact),
		"plan":          s.Plan,
		"grant":         decision.Grant,
	}).Info("Submission accepted")
	e.publish(s)
	if e.Config.Dispatch.Mode == config.DispatchAuto {
		e.enqueue(s.ID)
	}
	return s, nil
}

// expireStaleSubscriptions marks every run-out subscription of the user as expired, one event each.
func (e Engine) expireStaleSubscriptions(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	ids, err := e.Repo.ExpireStaleSubscriptionsTx(ctx, tx, userID, now)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.events().Append(ctx, tx, events.SubscriptionExpired, events.KindSubscription, id, userID, events.EventPayload{"user_id": userID}); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Submission, error) {
	return e.Repo.GetSubmission(ctx, id)
}

// GetOwned returns a submission only to its owner; other callers see not found.
func (e Engine) GetOwned(ctx context.Context, ownerID, id string) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return s, err
	}
	if s.OwnerID != ownerID {
		return domain.Submission{}, repo.ErrNotFound
	}
	return s, nil
}

// ListByOwner returns the owner's submissions newest first.
func (e Engine) ListByOwner(ctx context.Context, ownerID string, f repo.SubmissionFilters) ([]domain.Submission, error) {
	if ownerID == "" {
		return nil, auth.ErrUnauthenticated
	}
	f.OwnerID = ownerID
	return e.Repo.ListSubmissions(ctx, f)
}

// ListByStatus returns submissions in one status, or all of them when status is empty.
func (e Engine) ListByStatus(ctx context.Context, status domain.Status, f repo.SubmissionFilters) ([]domain.Submission, error) {
	f.Status = status
	return e.Repo.ListSubmissions(ctx, f)
}

const maxTransitionAttempts = 16

// mutation edits a fresh copy of the record. An empty event type means nothing to change.
type mutation func(s *domain.Submission, now time.Time) (string, events.EventPayload, error)

// transition applies fn under the record's optimistic version, re-reading on conflict.
// It reports whether a change was written.
func (e Engine) transition(ctx context.Context, id, actorID string, fn mutation) (domain.Submission, bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := e.Repo.GetSubmission(ctx, id)
		if err != nil {
			return domain.Submission{}, false, err
		}
		now := e.now()
		next := current
		evtType, payload, err := fn(&next, now)
		if err != nil {
			return current, false, err
		}
		if evtType == "" {
			return current, false, nil
		}
		next.UpdatedAt = now

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Submission{}, false, err
		}
		err = e.Repo.UpdateSubmissionTx(ctx, tx, next)
		if errors.Is(err, repo.ErrConflict) {
			tx.Rollback()
			continue
		}
		if err != nil {
			tx.Rollback()
			return domain.Submission{}, false, err
		}
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["status"] = next.Status
		if err := e.events().Append(ctx, tx, evtType, events.KindSubmission, next.ID, actorID, payload); err != nil {
			tx.Rollback()
			return domain.Submission{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Submission{}, false, err
		}
		next.Version++
		transitionsCounter.WithLabelValues(evtType).Inc()
		e.publish(next)
		return next, true, nil
	}
	return domain.Submission{}, false, fmt.Errorf("submission %s: %w", id, repo.ErrConflict)
}

func (e Engine) publish(s domain.Submission) {
	if e.Notifier != nil {
		e.Notifier.Publish(s.OwnerID, notify.ChangeOf(s))
	}
}

func (e Engine) enqueue(id string) {
	if e.Queue == nil {
		return
	}
	if !e.Queue.Enqueue(id) {
		e.logger().WithField("submission_id", id).Warn("Dispatch queue full, submission stays pending")
	}
}
