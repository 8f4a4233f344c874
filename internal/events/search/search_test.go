package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
)

func indexOf(tracking string, decl models.Declaration) *models.EventIndex {
	return &models.EventIndex{
		ID:          id.NewEventID(),
		Type:        "birth",
		TrackingID:  id.TrackingID(tracking),
		Status:      models.StatusDeclared,
		Flags:       []models.Flag{models.FlagRejected},
		Declaration: decl,
		CreatedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Version:     2,
	}
}

func TestEncodeDecode(t *testing.T) {
	idx := indexOf("AAA2345", models.Declaration{
		"child.name": map[string]any{"firstname": "Anna", "middlename": "", "surname": "Smith"},
		"child.dob":  "2024-02-01",
		"weight":     3.5,
	})
	doc := Encode(idx)

	assert.Contains(t, doc.Declaration, "child____name")
	assert.NotContains(t, doc.Declaration, "child.name")
	assert.Equal(t, "Anna Smith", doc.Terms["child____name"])
	assert.Equal(t, "3.5", doc.Terms["weight"])
	assert.Equal(t, "Smith", doc.Terms["child____name____surname"])
	assert.NotContains(t, doc.Terms, "child____name____middlename", "empty parts are not indexed")

	back := Decode(doc)
	assert.Equal(t, idx.Declaration, back.Declaration)
	assert.Equal(t, idx.TrackingID, back.TrackingID)
	assert.Equal(t, []models.DuplicateRef{}, back.PotentialDuplicates)
	assert.Equal(t, "child.name", DecodeKey(EncodeKey("child.name")))
	assert.Equal(t, "ocrvs_birth", IndexName("ocrvs", "birth"))
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"smith", "smith", 0},
		{"smith", "smyth", 1},
		{"jon", "john", 1},
		{"kitten", "sitting", 3},
		{"émile", "emile", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
	assert.Equal(t, 0, AutoDistance("al"))
	assert.Equal(t, 1, AutoDistance("smith"))
	assert.Equal(t, 2, AutoDistance("johnson"))
}

func TestMatch(t *testing.T) {
	doc := Encode(indexOf("AAA2345", models.Declaration{
		"child.name": map[string]any{"firstname": "Jonathan", "surname": "Smith"},
		"child.dob":  "2024-02-01",
	}))

	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"match all", MatchAll(), true},
		{"term ignores case", Term("child.dob", " 2024-02-01 "), true},
		{"term mismatch", Term("child.dob", "2024-02-02"), false},
		{"term missing field", Term("mother.dob", "2024-02-01"), false},
		{"fuzzy auto", Fuzzy("child.name", "jonathon smyth", AutoFuzziness), true},
		{"fuzzy zero", Fuzzy("child.name", "jonathon smith", 0), false},
		{"fuzzy explicit", Fuzzy("child.name", "jonathon smith", 1), true},
		{"fuzzy too far", Fuzzy("child.name", "peter", AutoFuzziness), false},
		{"date range inside", DateRange("child.dob", "2024-02-04", 3), true},
		{"date range outside", DateRange("child.dob", "2024-02-05", 3), false},
		{"and", And(Term("child.dob", "2024-02-01"), Fuzzy("child.name", "smith", 0)), true},
		{"or", Or(Term("child.dob", "x"), Term("child.dob", "2024-02-01")), true},
		{"not", Not(Term("child.dob", "2024-02-01")), false},
		{"status meta", Term(MetaStatus, string(models.StatusDeclared)), true},
		{"flag meta", Term(MetaFlag, string(models.FlagRejected)), true},
		{"tracking meta", Term(MetaTrackingID, "aaa2345"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(doc, tt.query))
		})
	}
}

func TestMemoryIndexRefresh(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIndex()
	first := Encode(indexOf("BBB2345", models.Declaration{"child.dob": "2024-02-01"}))
	second := Encode(indexOf("AAA2345", models.Declaration{"child.dob": "2024-02-01"}))

	require.NoError(t, m.Index(ctx, "birth", first))
	hits, err := m.Search(ctx, "birth", MatchAll(), 0)
	require.NoError(t, err)
	assert.Empty(t, hits, "writes are not searchable before refresh")

	got, err := m.Get(ctx, "birth", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TrackingID, got.TrackingID)

	require.NoError(t, m.Index(ctx, "birth", second))
	require.NoError(t, m.Refresh(ctx, "birth"))
	hits, err = m.Search(ctx, "birth", Term("child.dob", "2024-02-01"), 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, id.TrackingID("AAA2345"), hits[0].TrackingID, "hits are ordered by tracking id")

	hits, err = m.Search(ctx, "death", MatchAll(), 0)
	require.NoError(t, err)
	assert.Empty(t, hits, "indexes are namespaced")

	require.NoError(t, m.Delete(ctx, "birth", first.ID))
	_, err = m.Get(ctx, "birth", first.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	auto := NewMemoryIndex(WithAutoRefresh())
	require.NoError(t, auto.Index(ctx, "birth", first))
	hits, err = auto.Search(ctx, "birth", MatchAll(), 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestPostgresQueryTranslation(t *testing.T) {
	b := &sqlBuilder{args: []any{"birth"}}
	where := b.build(And(
		Term(MetaStatus, "DECLARED"),
		Fuzzy("child.name", "Anna Smith", AutoFuzziness),
		DateRange("child.dob", "2024-02-01", 3),
	))
	assert.Contains(t, where, "status = $2")
	assert.Contains(t, where, "regexp_split_to_table(lower((doc->'terms'->>$3)), '\\s+')")
	assert.Contains(t, where, "levenshtein(t.tok, $4) <= $5")
	assert.Contains(t, where, "levenshtein(t.tok, $6) <= $7")
	assert.Contains(t, where, "::date) <= $10")
	assert.Equal(t, []any{"birth", "DECLARED", "child____name", "anna", 1, "smith", 1, "child____dob", "2024-02-01", 3}, b.args)
}

func TestPostgresFuzzyIsPerToken(t *testing.T) {
	b := &sqlBuilder{args: []any{"birth"}}
	where := b.build(Fuzzy("child.name", "  Jonathon   Smyth ", AutoFuzziness))
	assert.Equal(t, 2, strings.Count(where, "EXISTS ("))
	assert.Equal(t, []any{"birth", "child____name", "jonathon", 2, "smyth", 1}, b.args)

	b = &sqlBuilder{args: []any{"birth"}}
	b.build(Fuzzy("child.name", "Anna Smith", 0))
	assert.Equal(t, []any{"birth", "child____name", "anna", 0, "smith", 0}, b.args)

	b = &sqlBuilder{args: []any{"birth"}}
	assert.Equal(t, "FALSE", b.build(Fuzzy("child.name", "   ", AutoFuzziness)))
	assert.Equal(t, []any{"birth"}, b.args)
}
