package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS fuzzystrmatch;
CREATE TABLE IF NOT EXISTS event_search (
	index_name  TEXT        NOT NULL,
	id          UUID        NOT NULL,
	tracking_id TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	doc         JSONB       NOT NULL,
	indexed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (index_name, id)
);
CREATE INDEX IF NOT EXISTS event_search_status_idx ON event_search (index_name, status);
`

// PostgresIndex stores documents as JSONB rows and translates queries into
// SQL. Fuzzy clauses use levenshtein from fuzzystrmatch and, like Match,
// need every query token within its distance of some field token. Committed writes are searchable at once, so Refresh is a
// no-op.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex wraps a pgx pool.
func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

// Migrate creates the table and the fuzzystrmatch extension.
func (p *PostgresIndex) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate search index: %w", err)
	}
	return nil
}

func (p *PostgresIndex) Index(ctx context.Context, name string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO event_search (index_name, id, tracking_id, status, doc)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (index_name, id) DO UPDATE SET
			tracking_id = EXCLUDED.tracking_id,
			status = EXCLUDED.status,
			doc = EXCLUDED.doc,
			indexed_at = now()
	`, name, uuid.UUID(doc.ID), string(doc.TrackingID), string(doc.Status), string(raw))
	if err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return nil
}

func (p *PostgresIndex) Delete(ctx context.Context, name string, eventID id.EventID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM event_search WHERE index_name = $1 AND id = $2`, name, uuid.UUID(eventID)); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (p *PostgresIndex) Get(ctx context.Context, name string, eventID id.EventID) (Document, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM event_search WHERE index_name = $1 AND id = $2`, name, uuid.UUID(eventID)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func (p *PostgresIndex) Search(ctx context.Context, name string, q Query, limit int) ([]Document, error) {
	b := &sqlBuilder{args: []any{name}}
	where := b.build(q)
	stmt := `SELECT doc FROM event_search WHERE index_name = $1 AND (` + where + `) ORDER BY tracking_id`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.pool.Query(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var hits []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		hits = append(hits, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

func (p *PostgresIndex) Refresh(context.Context, string) error {
	return nil
}

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) term(field string) string {
	return "(doc->'terms'->>" + b.arg(EncodeKey(field)) + ")"
}

func (b *sqlBuilder) build(q Query) string {
	switch q.Kind {
	case KindMatchAll:
		return "TRUE"
	case KindAnd, KindOr:
		if len(q.Clauses) == 0 {
			if q.Kind == KindAnd {
				return "TRUE"
			}
			return "FALSE"
		}
		parts := make([]string, 0, len(q.Clauses))
		for _, c := range q.Clauses {
			parts = append(parts, "("+b.build(c)+")")
		}
		op := " AND "
		if q.Kind == KindOr {
			op = " OR "
		}
		return strings.Join(parts, op)
	case KindNot:
		if len(q.Clauses) != 1 {
			return "FALSE"
		}
		return "NOT COALESCE((" + b.build(q.Clauses[0]) + "), FALSE)"
	case KindTerm:
		switch q.Field {
		case MetaStatus:
			return "status = " + b.arg(q.Value)
		case MetaFlag:
			return "doc->'flags' ? " + b.arg(q.Value)
		case MetaTrackingID:
			return "upper(tracking_id) = upper(" + b.arg(q.Value) + ")"
		case MetaAssignedTo:
			return "doc->>'assignedTo' = " + b.arg(q.Value)
		}
		return "lower(regexp_replace(btrim(" + b.term(q.Field) + "), '\\s+', ' ', 'g')) = " + b.arg(normalize(q.Value))
	case KindFuzzy:
		want := strings.Fields(strings.ToLower(q.Value))
		if len(want) == 0 {
			return "FALSE"
		}
		col := b.term(q.Field)
		parts := make([]string, 0, len(want))
		for _, w := range want {
			max := q.Fuzziness
			if max < 0 {
				max = AutoDistance(w)
			}
			parts = append(parts, "EXISTS (SELECT 1 FROM regexp_split_to_table(lower("+col+"), '\\s+') AS t(tok)"+
				" WHERE t.tok <> '' AND levenshtein(t.tok, "+b.arg(w)+") <= "+b.arg(max)+")")
		}
		return "(" + strings.Join(parts, " AND ") + ")"
	case KindDateRange:
		col := b.term(q.Field)
		return "CASE WHEN " + col + " ~ '^\\d{4}-\\d{2}-\\d{2}$' THEN abs(" + col + "::date - (" + b.arg(q.Value) + "::text)::date) <= " + b.arg(q.Days) + " ELSE FALSE END"
	}
	return "FALSE"
}
