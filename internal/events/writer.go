package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"unsaid/internal/db"
	"unsaid/internal/repo"
)

const (
	SubmissionCreated     = "submission.created"
	SubmissionDelivered   = "submission.delivered"
	SubmissionFailed      = "submission.failed"
	SubmissionRetried     = "submission.retried"
	SubmissionRevealed    = "submission.revealed"
	SubmissionLateOutcome = "submission.late_outcome"
	SubscriptionGranted   = "subscription.granted"
	SubscriptionExpired   = "subscription.expired"
	UserDeveloperEnabled  = "user.developer_enabled"
)

const (
	KindSubmission   = "submission"
	KindSubscription = "subscription"
	KindUser         = "user"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		repo.FormatTime(now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
