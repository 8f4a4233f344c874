package dedup

//go:generate mockgen -source=checker.go -destination=mocks/mocks.go -package=mocks Index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"crvs/internal/events/dedup/mocks"
	"crvs/internal/events/eventstest"
	"crvs/internal/events/models"
	"crvs/internal/events/search"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/circuit"
)

type CheckerSuite struct {
	suite.Suite
	ctx   context.Context
	index *search.MemoryIndex
}

func TestCheckerSuite(t *testing.T) {
	suite.Run(t, new(CheckerSuite))
}

func (s *CheckerSuite) SetupTest() {
	s.ctx = context.Background()
	s.index = search.NewMemoryIndex()
}

func (s *CheckerSuite) indexed(eventType, tracking string, decl models.Declaration) *models.EventIndex {
	idx := &models.EventIndex{
		ID:          id.NewEventID(),
		Type:        eventType,
		TrackingID:  id.TrackingID(tracking),
		Status:      models.StatusDeclared,
		Declaration: decl,
	}
	s.Require().NoError(s.index.Index(s.ctx, search.IndexName("", eventType), search.Encode(idx)))
	return idx
}

// =============================================================================
// Query rendering
// =============================================================================

func (s *CheckerSuite) TestQueries() {
	cfg := eventstest.Config(eventstest.TennisClubMembership)

	s.Run("renders every complete query", func() {
		decl := models.Declaration(eventstest.Declaration("2000-01-01", "John", "Doe"))
		decl["applicant.email"] = "john@example.com"
		queries := Queries(cfg, decl)
		s.Require().Len(queries, 2)
		s.Equal(search.And(
			search.Term("applicant.dob", "2000-01-01"),
			search.Fuzzy("applicant.name", "John Doe", search.AutoFuzziness),
		), queries[0])
		s.Equal(search.Term("applicant.email", "john@example.com"), queries[1])
	})

	s.Run("skips queries with missing values", func() {
		queries := Queries(cfg, models.Declaration{"applicant.dob": "2000-01-01"})
		s.Empty(queries, "and-clause needs every leaf")
	})
}

// =============================================================================
// Matching against the index
// =============================================================================

func (s *CheckerSuite) TestCheckFindsEarlierDeclaration() {
	cfg := eventstest.Config(eventstest.TennisClubMembership)
	a := s.indexed(cfg.ID, "BBB2345", eventstest.Declaration("2000-01-01", "John", "Doe"))
	s.indexed(cfg.ID, "CCC2345", eventstest.Declaration("1999-05-05", "John", "Doe"))
	b := s.indexed(cfg.ID, "AAA2345", eventstest.Declaration("2000-01-01", "Jon", "Doe"))

	got, err := New(s.index).Check(s.ctx, cfg, b)
	s.Require().NoError(err)
	s.Equal([]models.DuplicateRef{{ID: a.ID, TrackingID: a.TrackingID}}, got, "self excluded, other dob ignored")
}

func (s *CheckerSuite) TestCheckOrCombinesAndDedupes() {
	cfg := eventstest.Config(eventstest.TennisClubMembership)
	declA := models.Declaration(eventstest.Declaration("2000-01-01", "John", "Doe"))
	declA["applicant.email"] = "a@example.com"
	a := s.indexed(cfg.ID, "ZZZ2345", declA)

	declC := models.Declaration(eventstest.Declaration("1980-01-01", "Mary", "Major"))
	declC["applicant.email"] = "a@example.com"
	c := s.indexed(cfg.ID, "MMM2345", declC)

	declB := models.Declaration(eventstest.Declaration("2000-01-01", "John", "Doe"))
	declB["applicant.email"] = "a@example.com"
	b := s.indexed(cfg.ID, "AAA2345", declB)

	got, err := New(s.index).Check(s.ctx, cfg, b)
	s.Require().NoError(err)
	s.Equal([]models.DuplicateRef{
		{ID: c.ID, TrackingID: c.TrackingID},
		{ID: a.ID, TrackingID: a.TrackingID},
	}, got, "a matches both queries and is listed once, sorted by tracking id")
}

func (s *CheckerSuite) TestCheckDateRange() {
	cfg := eventstest.Config(eventstest.Birth)
	name := map[string]any{"firstname": "Anna", "surname": "Smith"}
	near := s.indexed(cfg.ID, "BBB2345", models.Declaration{"child.dob": "2024-02-01", "child.name": name})
	s.indexed(cfg.ID, "CCC2345", models.Declaration{"child.dob": "2024-02-10", "child.name": name})
	b := s.indexed(cfg.ID, "AAA2345", models.Declaration{"child.dob": "2024-02-03", "child.name": map[string]any{"firstname": "Ana", "surname": "Smyth"}})

	got, err := New(s.index).Check(s.ctx, cfg, b)
	s.Require().NoError(err)
	s.Equal([]models.DuplicateRef{{ID: near.ID, TrackingID: near.TrackingID}}, got)
}

func (s *CheckerSuite) TestCheckWithoutQueriesSkipsIndex() {
	ctrl := gomock.NewController(s.T())
	index := mocks.NewMockIndex(ctrl)

	cfg := eventstest.Config(eventstest.TennisClubMembership)
	got, err := New(index).Check(s.ctx, cfg, &models.EventIndex{ID: id.NewEventID(), Type: cfg.ID, Declaration: models.Declaration{}})
	s.NoError(err)
	s.Nil(got)
}

// =============================================================================
// Failure handling
// =============================================================================

func (s *CheckerSuite) TestSearchFailure() {
	ctrl := gomock.NewController(s.T())
	index := mocks.NewMockIndex(ctrl)
	cfg := eventstest.Config(eventstest.TennisClubMembership)
	idx := &models.EventIndex{
		ID:          id.NewEventID(),
		Type:        cfg.ID,
		Declaration: models.Declaration(eventstest.Declaration("2000-01-01", "John", "Doe")),
	}

	breaker := circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	checker := New(index, WithBreaker(breaker), WithIndexPrefix("ocrvs"))

	index.EXPECT().Refresh(gomock.Any(), "ocrvs_"+cfg.ID).Return(nil).Times(2)
	index.EXPECT().Search(gomock.Any(), "ocrvs_"+cfg.ID, gomock.Any(), defaultLimit).
		Return(nil, errors.New("connection refused")).Times(2)

	for range 2 {
		_, err := checker.Check(s.ctx, cfg, idx)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	}
	s.True(breaker.IsOpen())

	_, err := checker.Check(s.ctx, cfg, idx)
	s.Require().Error(err)
	s.Contains(err.Error(), "circuit open", "open circuit short-circuits without touching the index")
}

func (s *CheckerSuite) TestTimeout() {
	ctrl := gomock.NewController(s.T())
	index := mocks.NewMockIndex(ctrl)
	cfg := eventstest.Config(eventstest.TennisClubMembership)
	idx := &models.EventIndex{
		ID:          id.NewEventID(),
		Type:        cfg.ID,
		Declaration: models.Declaration(eventstest.Declaration("2000-01-01", "John", "Doe")),
	}

	index.EXPECT().Refresh(gomock.Any(), cfg.ID).DoAndReturn(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := New(index, WithTimeout(20*time.Millisecond)).Check(s.ctx, cfg, idx)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.ErrorIs(err, context.DeadlineExceeded)
}
