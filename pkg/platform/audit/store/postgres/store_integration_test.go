//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "crvs/pkg/domain"
	audit "crvs/pkg/platform/audit"
	txcontext "crvs/pkg/platform/tx"
	"crvs/pkg/testutil/containers"
)

type AuditStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *Store
	ctx   context.Context
}

func TestAuditStoreSuite(t *testing.T) {
	suite.Run(t, new(AuditStoreSuite))
}

func (s *AuditStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.store = New(s.pg.DB)
	s.Require().NoError(s.store.Migrate(s.ctx))
}

func (s *AuditStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx, "audit_events"))
}

func (s *AuditStoreSuite) TestAppendAndList() {
	eventID := id.NewEventID()
	actor := id.NewUserID()
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	s.Require().NoError(s.store.Append(s.ctx, audit.Event{
		Timestamp:  at,
		Action:     string(audit.EventActionAccepted),
		EventID:    eventID,
		EventType:  "birth",
		ActionType: "DECLARE",
		ActorID:    actor,
		Decision:   "accepted",
		RequestID:  "req-1",
	}))
	s.Require().NoError(s.store.Append(s.ctx, audit.Event{
		Timestamp: at.Add(time.Second),
		Action:    string(audit.EventAccessDenied),
		EventID:   eventID,
	}))
	s.Require().NoError(s.store.Append(s.ctx, audit.Event{Timestamp: at, Action: "event_created", EventID: id.NewEventID()}))

	events, err := s.store.ListByEvent(s.ctx, eventID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(audit.CategoryCompliance, events[0].Category)
	s.Equal(actor, events[0].ActorID)
	s.Equal("DECLARE", events[0].ActionType)
	s.True(at.Equal(events[0].Timestamp))
	s.Equal(audit.CategorySecurity, events[1].Category)
	s.True(events[1].ActorID.IsNil())
}

func (s *AuditStoreSuite) TestAppendJoinsTransaction() {
	eventID := id.NewEventID()
	tx, err := s.pg.DB.BeginTx(s.ctx, &sql.TxOptions{})
	s.Require().NoError(err)
	ctx := txcontext.WithTx(s.ctx, tx)
	s.Require().NoError(s.store.Append(ctx, audit.Event{Timestamp: time.Now(), Action: "event_created", EventID: eventID}))
	s.Require().NoError(tx.Rollback())

	events, err := s.store.ListByEvent(s.ctx, eventID)
	s.Require().NoError(err)
	s.Empty(events)
}
