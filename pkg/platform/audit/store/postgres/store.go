package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "crvs/pkg/domain"
	audit "crvs/pkg/platform/audit"
	txcontext "crvs/pkg/platform/tx"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          UUID PRIMARY KEY,
	category    TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	action      TEXT NOT NULL,
	event_id    UUID,
	event_type  TEXT NOT NULL DEFAULT '',
	action_type TEXT NOT NULL DEFAULT '',
	actor_id    UUID,
	decision    TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT '',
	client_ip   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_event_id_idx ON audit_events (event_id, timestamp);
`

// Store implements audit.Store on the same database as the action log. When
// ctx carries a transaction the entry commits with it.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit_events: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO audit_events (
			id, category, timestamp, action, event_id, event_type,
			action_type, actor_id, decision, reason, request_id, client_ip
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		uuid.New(),
		string(category),
		event.Timestamp,
		event.Action,
		nullableUUID(uuid.UUID(event.EventID)),
		event.EventType,
		event.ActionType,
		nullableUUID(uuid.UUID(event.ActorID)),
		event.Decision,
		event.Reason,
		event.RequestID,
		event.ClientIP,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByEvent(ctx context.Context, eventID id.EventID) ([]audit.Event, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT category, timestamp, action, event_id, event_type, action_type,
		       actor_id, decision, reason, request_id, client_ip
		FROM audit_events
		WHERE event_id = $1
		ORDER BY timestamp, id
	`, uuid.UUID(eventID))
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			category string
			evID     uuid.NullUUID
			actorID  uuid.NullUUID
		)
		if err := rows.Scan(&category, &e.Timestamp, &e.Action, &evID, &e.EventType, &e.ActionType,
			&actorID, &e.Decision, &e.Reason, &e.RequestID, &e.ClientIP); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Category = audit.EventCategory(category)
		if evID.Valid {
			e.EventID = id.EventID(evID.UUID)
		}
		if actorID.Valid {
			e.ActorID = id.UserID(actorID.UUID)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

func nullableUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}
