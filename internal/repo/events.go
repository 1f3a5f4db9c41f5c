package repo

import (
	"context"
	"database/sql"

	"unsaid/internal/domain"
)

const eventColumns = `id,ts,type,entity_kind,entity_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			ts       string
			entityID sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, err
		}
		e.TS = t
		if entityID.Valid {
			e.EntityID = &entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn(nil).query(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EntityEvents returns the history of one entity, oldest first.
func (r Repo) EntityEvents(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := r.conn(nil).query(ctx, `SELECT `+eventColumns+` FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.conn(nil).queryRow(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
