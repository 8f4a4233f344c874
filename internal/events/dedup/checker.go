// Package dedup finds existing events that may record the same fact as a newly
// declared one.
//
// Each deduplication query of the event configuration is rendered against the
// new declaration and run against the search index in parallel; hits are
// OR-combined, deduplicated by event id and never include the event itself.
// Checks are best effort: the caller logs failures and moves on.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"crvs/internal/events/conditional"
	"crvs/internal/events/configuration"
	"crvs/internal/events/models"
	"crvs/internal/events/search"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/circuit"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

// Index is the part of the search index the checker reads.
type Index interface {
	Search(ctx context.Context, name string, q search.Query, limit int) ([]search.Document, error)
	Refresh(ctx context.Context, name string) error
}

const (
	defaultTimeout = 5 * time.Second
	defaultLimit   = 50
)

// Checker runs duplicate queries against the search index.
type Checker struct {
	index   Index
	prefix  string
	timeout time.Duration
	limit   int
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithIndexPrefix namespaces index names, see search.IndexName.
func WithIndexPrefix(prefix string) Option {
	return func(c *Checker) {
		c.prefix = prefix
	}
}

// WithTimeout bounds one whole check, refresh included.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLimit caps the hits read per query.
func WithLimit(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.limit = n
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Checker) {
		if b != nil {
			c.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Checker over index.
func New(index Index, opts ...Option) *Checker {
	c := &Checker{
		index:   index,
		timeout: defaultTimeout,
		limit:   defaultLimit,
		breaker: circuit.New("search-index"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Check returns the events matching any deduplication query of cfg for the
// declaration of idx, ordered by tracking id. Queries whose placeholders have
// no value in the declaration are skipped. An open circuit or a search
// failure returns CodeUnavailable.
func (c *Checker) Check(ctx context.Context, cfg *configuration.EventConfig, idx *models.EventIndex) ([]models.DuplicateRef, error) {
	queries := Queries(cfg, idx.Declaration)
	if len(queries) == 0 {
		return nil, nil
	}
	if !c.breaker.Allow() {
		return nil, dErrors.Wrap(sentinel.ErrUnavailable, dErrors.CodeUnavailable, "duplicate search circuit open")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name := search.IndexName(c.prefix, idx.Type)
	hits, err := c.run(ctx, name, queries)
	if err != nil {
		_, change := c.breaker.RecordFailure()
		if change.Opened {
			c.logger.WarnContext(ctx, "duplicate search circuit opened",
				"breaker", c.breaker.Name(),
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "duplicate search failed")
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "duplicate search circuit closed",
			"breaker", c.breaker.Name(),
			"request_id", requestcontext.RequestID(ctx),
		)
	}

	return merge(idx, hits), nil
}

func (c *Checker) run(ctx context.Context, name string, queries []search.Query) ([][]search.Document, error) {
	if err := c.index.Refresh(ctx, name); err != nil {
		return nil, fmt.Errorf("refresh %s: %w", name, err)
	}

	results := make([][]search.Document, len(queries))
	g, ctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			docs, err := c.index.Search(ctx, name, q, c.limit)
			if err != nil {
				return err
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func merge(idx *models.EventIndex, results [][]search.Document) []models.DuplicateRef {
	seen := make(map[string]struct{})
	out := []models.DuplicateRef{}
	for _, docs := range results {
		for _, doc := range docs {
			if doc.ID == idx.ID {
				continue
			}
			key := doc.ID.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, models.DuplicateRef{ID: doc.ID, TrackingID: doc.TrackingID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackingID < out[j].TrackingID })
	return out
}

// Queries renders every deduplication query of cfg against declaration. A
// query that cannot match for lack of values is left out.
func Queries(cfg *configuration.EventConfig, declaration models.Declaration) []search.Query {
	lookup := func(fieldID string) (string, bool) {
		v, ok := conditional.Lookup(declaration, fieldID)
		if !ok {
			return "", false
		}
		return search.Text(v), true
	}
	var out []search.Query
	for _, d := range cfg.Deduplication {
		if q, ok := render(d.Query, lookup); ok {
			out = append(out, q)
		}
	}
	return out
}

func render(clause configuration.Clause, lookup func(string) (string, bool)) (search.Query, bool) {
	switch clause.Type {
	case configuration.ClauseAnd:
		subs := make([]search.Query, 0, len(clause.Clauses))
		for _, c := range clause.Clauses {
			q, ok := render(c, lookup)
			if !ok {
				return search.Query{}, false
			}
			subs = append(subs, q)
		}
		return search.And(subs...), true
	case configuration.ClauseOr:
		var subs []search.Query
		for _, c := range clause.Clauses {
			if q, ok := render(c, lookup); ok {
				subs = append(subs, q)
			}
		}
		if len(subs) == 0 {
			return search.Query{}, false
		}
		return search.Or(subs...), true
	}

	value, ok := clause.Fill(lookup)
	if !ok {
		return search.Query{}, false
	}
	switch clause.Type {
	case configuration.ClauseStrict:
		return search.Term(clause.FieldID, value), true
	case configuration.ClauseFuzzy:
		return search.Fuzzy(clause.FieldID, value, int(clause.Fuzziness)), true
	case configuration.ClauseDateRange:
		return search.DateRange(clause.FieldID, value, clause.Days), true
	}
	return search.Query{}, false
}
