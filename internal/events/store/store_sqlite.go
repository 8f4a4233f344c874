package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

// SQLiteStore is the single-node embedded action log. The database handle is
// limited to one connection, so writers are serialized by database/sql and the
// version check only guards against stale readers.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range SQLiteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (s *SQLiteStore) Create(ctx context.Context, event *models.Event) error {
	actor, transactionID := creator(event)
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO events (id, type, tracking_id, idempotency_key, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID.String(), event.Type, string(event.TrackingID), IdempotencyKey(actor, transactionID),
		len(event.Actions), formatTime(event.CreatedAt), formatTime(event.UpdatedAt))
	if err != nil {
		if isUnique(err) {
			if strings.Contains(err.Error(), "events.idempotency_key") {
				return sentinel.ErrAlreadyUsed
			}
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	if err := s.insertActions(ctx, sqlTx, event.ID, 0, event.Actions); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertActions(ctx context.Context, sqlTx *sql.Tx, eventID id.EventID, from int, actions []models.Action) error {
	stmt, err := sqlTx.PrepareContext(ctx, `
		INSERT INTO event_actions (event_id, seq, id, type, status, created_by, transaction_id, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, a := range actions {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		_, err = stmt.ExecContext(ctx, eventID.String(), from+i, a.ID.String(), string(a.Type), string(a.Status),
			a.CreatedBy.String(), a.TransactionID.String(), formatTime(a.CreatedAt), string(raw))
		if err != nil {
			if isUnique(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert action: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, eventID id.EventID, expectedVersion int, actions ...models.Action) (*models.Event, error) {
	updatedAt := time.Now().Truncate(requestcontext.TimePrecision)
	if n := len(actions); n > 0 {
		updatedAt = actions[n-1].CreatedAt
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	res, err := sqlTx.ExecContext(ctx, `UPDATE events SET version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		expectedVersion+len(actions), formatTime(updatedAt), eventID.String(), expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("bump version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("bump version: %w", err)
	}
	if n == 0 {
		var count int
		if err := sqlTx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, eventID.String()).Scan(&count); err != nil {
			return nil, fmt.Errorf("check event: %w", err)
		}
		if count == 0 {
			return nil, sentinel.ErrNotFound
		}
		return nil, sentinel.ErrConflict
	}
	if err := s.insertActions(ctx, sqlTx, eventID, expectedVersion, actions); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return s.Get(ctx, eventID)
}

func (s *SQLiteStore) Get(ctx context.Context, eventID id.EventID) (*models.Event, error) {
	event := &models.Event{ID: eventID}
	var tracking, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT type, tracking_id, created_at, updated_at FROM events WHERE id = ?`, eventID.String()).
		Scan(&event.Type, &tracking, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	event.TrackingID = id.TrackingID(tracking)
	if event.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if event.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM event_actions WHERE event_id = ? ORDER BY seq`, eventID.String())
	if err != nil {
		return nil, fmt.Errorf("get actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var action models.Action
		if err := json.Unmarshal([]byte(raw), &action); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		event.Actions = append(event.Actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get actions: %w", err)
	}
	return event, nil
}

func (s *SQLiteStore) FindCreated(ctx context.Context, actor id.UserID, transactionID id.TransactionID) (*models.Event, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM events WHERE idempotency_key = ?`, IdempotencyKey(actor, transactionID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find created event: %w", err)
	}
	eventID, err := id.ParseEventID(raw)
	if err != nil {
		return nil, fmt.Errorf("find created event: %w", err)
	}
	return s.Get(ctx, eventID)
}

func (s *SQLiteStore) ListIDs(ctx context.Context, eventType string) ([]id.EventID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM events WHERE (? = '' OR type = ?) ORDER BY created_at, id`, eventType, eventType)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var ids []id.EventID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		eventID, err := id.ParseEventID(raw)
		if err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, eventID)
	}
	return ids, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
