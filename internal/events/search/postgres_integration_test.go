//go:build integration

package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/testutil/containers"
)

type PostgresIndexSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	index *PostgresIndex
	ctx   context.Context
}

func TestPostgresIndexSuite(t *testing.T) {
	suite.Run(t, new(PostgresIndexSuite))
}

func (s *PostgresIndexSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.index = NewPostgresIndex(s.pg.Pool)
	s.Require().NoError(s.index.Migrate(s.ctx))
}

func (s *PostgresIndexSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx, "event_search"))
}

func (s *PostgresIndexSuite) TestIndexAndGet() {
	doc := Encode(indexOf("CCC2345", models.Declaration{"child.dob": "2024-02-01"}))

	s.Run("upserts by id", func() {
		s.Require().NoError(s.index.Index(s.ctx, "birth", doc))
		doc.Status = models.StatusRegistered
		s.Require().NoError(s.index.Index(s.ctx, "birth", doc))

		got, err := s.index.Get(s.ctx, "birth", doc.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRegistered, got.Status)
		s.Equal(doc.TrackingID, got.TrackingID)
	})

	s.Run("delete removes the document", func() {
		s.Require().NoError(s.index.Delete(s.ctx, "birth", doc.ID))
		_, err := s.index.Get(s.ctx, "birth", doc.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresIndexSuite) TestSearch() {
	anna := Encode(indexOf("AAA2345", models.Declaration{
		"child.name": map[string]any{"firstname": "Anna", "surname": "Smith"},
		"child.dob":  "2024-02-01",
	}))
	other := Encode(indexOf("BBB2345", models.Declaration{
		"child.name": map[string]any{"firstname": "Peter", "surname": "Jones"},
		"child.dob":  "2023-11-20",
	}))
	s.Require().NoError(s.index.Index(s.ctx, "birth", anna))
	s.Require().NoError(s.index.Index(s.ctx, "birth", other))
	s.Require().NoError(s.index.Index(s.ctx, "death", Encode(indexOf("DDD2345", models.Declaration{}))))

	tests := []struct {
		name  string
		query Query
		want  []id.TrackingID
	}{
		{"match all is namespaced", MatchAll(), []id.TrackingID{"AAA2345", "BBB2345"}},
		{"fuzzy name", Fuzzy("child.name", "ana smyth", AutoFuzziness), []id.TrackingID{"AAA2345"}},
		{"fuzzy single token", Fuzzy("child.name", "smyth", AutoFuzziness), []id.TrackingID{"AAA2345"}},
		{"fuzzy tokens in any order", Fuzzy("child.name", "smyth ana", AutoFuzziness), []id.TrackingID{"AAA2345"}},
		{"date range", DateRange("child.dob", "2024-02-03", 3), []id.TrackingID{"AAA2345"}},
		{"not", Not(Term("child.dob", "2024-02-01")), []id.TrackingID{"BBB2345"}},
		{"status meta", Term(MetaStatus, string(models.StatusDeclared)), []id.TrackingID{"AAA2345", "BBB2345"}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			hits, err := s.index.Search(s.ctx, "birth", tt.query, 0)
			s.Require().NoError(err)
			var got []id.TrackingID
			for _, h := range hits {
				got = append(got, h.TrackingID)
			}
			s.Equal(tt.want, got)
		})
	}

	hits, err := s.index.Search(s.ctx, "birth", MatchAll(), 1)
	require.NoError(s.T(), err)
	assert.Len(s.T(), hits, 1)
}
