package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
	txctx "crvs/pkg/platform/tx"
	"crvs/pkg/requestcontext"
)

const uniqueViolation = "23505"

// PostgresStore persists action logs in PostgreSQL. Appends are conditioned on
// the version column of the events row, which doubles as the row lock that
// serializes concurrent writers of one event.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed action log.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate action log: %w", err)
	}
	return nil
}

// withTx runs fn inside the transaction carried by ctx, or a new one.
func (s *PostgresStore) withTx(ctx context.Context, fn func(ctx context.Context, exec txctx.Executor) error) error {
	if existing, ok := txctx.From(ctx); ok {
		return fn(ctx, existing)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	if err := fn(txctx.WithTx(ctx, sqlTx), sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, event *models.Event) error {
	actor, transactionID := creator(event)
	return s.withTx(ctx, func(ctx context.Context, exec txctx.Executor) error {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO events (id, type, tracking_id, idempotency_key, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.UUID(event.ID), event.Type, string(event.TrackingID), IdempotencyKey(actor, transactionID),
			len(event.Actions), event.CreatedAt.UTC(), event.UpdatedAt.UTC())
		if err != nil {
			return translateCreate(err)
		}
		return insertActions(ctx, exec, event.ID, 0, event.Actions)
	})
}

func translateCreate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		if pqErr.Constraint == "events_idempotency_key_key" {
			return sentinel.ErrAlreadyUsed
		}
		return sentinel.ErrConflict
	}
	return fmt.Errorf("insert event: %w", err)
}

func insertActions(ctx context.Context, exec txctx.Executor, eventID id.EventID, from int, actions []models.Action) error {
	if len(actions) == 0 {
		return nil
	}
	seqs := make([]int64, len(actions))
	ids := make([]string, len(actions))
	types := make([]string, len(actions))
	statuses := make([]string, len(actions))
	authors := make([]string, len(actions))
	transactions := make([]string, len(actions))
	createdAt := make([]string, len(actions))
	payloads := make([]string, len(actions))
	for i, a := range actions {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		seqs[i] = int64(from + i)
		ids[i] = a.ID.String()
		types[i] = string(a.Type)
		statuses[i] = string(a.Status)
		authors[i] = a.CreatedBy.String()
		transactions[i] = a.TransactionID.String()
		createdAt[i] = a.CreatedAt.UTC().Format(time.RFC3339Nano)
		payloads[i] = string(raw)
	}

	// Batch insert using unnest: one round trip per append
	_, err := exec.ExecContext(ctx, `
		INSERT INTO event_actions (event_id, seq, id, type, status, created_by, transaction_id, created_at, payload)
		SELECT $1, unnest($2::int[]), unnest($3::uuid[]), unnest($4::text[]), unnest($5::text[]),
			unnest($6::uuid[]), unnest($7::text[]), unnest($8::timestamptz[]), unnest($9::jsonb[])
	`, uuid.UUID(eventID), pq.Array(seqs), pq.Array(ids), pq.Array(types), pq.Array(statuses),
		pq.Array(authors), pq.Array(transactions), pq.Array(createdAt), pq.Array(payloads))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert actions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, eventID id.EventID, expectedVersion int, actions ...models.Action) (*models.Event, error) {
	updatedAt := time.Now().UTC().Truncate(requestcontext.TimePrecision)
	if n := len(actions); n > 0 {
		updatedAt = actions[n-1].CreatedAt.UTC()
	}
	err := s.withTx(ctx, func(ctx context.Context, exec txctx.Executor) error {
		res, err := exec.ExecContext(ctx, `
			UPDATE events SET version = $2, updated_at = $3
			WHERE id = $1 AND version = $4
		`, uuid.UUID(eventID), expectedVersion+len(actions), updatedAt, expectedVersion)
		if err != nil {
			return fmt.Errorf("bump version: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("bump version: %w", err)
		} else if n == 0 {
			var exists bool
			if err := exec.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, uuid.UUID(eventID)).Scan(&exists); err != nil {
				return fmt.Errorf("check event: %w", err)
			}
			if !exists {
				return sentinel.ErrNotFound
			}
			return sentinel.ErrConflict
		}
		return insertActions(ctx, exec, eventID, expectedVersion, actions)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, eventID)
}

func (s *PostgresStore) Get(ctx context.Context, eventID id.EventID) (*models.Event, error) {
	exec := txctx.Exec(ctx, s.db)
	event := &models.Event{ID: eventID}
	var tracking string
	err := exec.QueryRowContext(ctx, `
		SELECT type, tracking_id, created_at, updated_at FROM events WHERE id = $1
	`, uuid.UUID(eventID)).Scan(&event.Type, &tracking, &event.CreatedAt, &event.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	event.TrackingID = id.TrackingID(tracking)
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()

	rows, err := exec.QueryContext(ctx, `SELECT payload FROM event_actions WHERE event_id = $1 ORDER BY seq`, uuid.UUID(eventID))
	if err != nil {
		return nil, fmt.Errorf("get actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var action models.Action
		if err := json.Unmarshal(raw, &action); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		action.CreatedAt = action.CreatedAt.UTC()
		event.Actions = append(event.Actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get actions: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) FindCreated(ctx context.Context, actor id.UserID, transactionID id.TransactionID) (*models.Event, error) {
	var eventID uuid.UUID
	err := txctx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT id FROM events WHERE idempotency_key = $1`, IdempotencyKey(actor, transactionID)).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find created event: %w", err)
	}
	return s.Get(ctx, id.EventID(eventID))
}

func (s *PostgresStore) ListIDs(ctx context.Context, eventType string) ([]id.EventID, error) {
	rows, err := txctx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT id FROM events WHERE ($1 = '' OR type = $1) ORDER BY created_at, id
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var ids []id.EventID
	for rows.Next() {
		var eventID uuid.UUID
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, id.EventID(eventID))
	}
	return ids, rows.Err()
}
