//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"crvs/internal/events/store"
	"crvs/pkg/testutil/containers"
)

func TestPostgresStoreSuite(t *testing.T) {
	pg := containers.GetManager().GetPostgres(t)
	s := &ActionLogSuite{}
	s.newStore = func() ActionLog {
		ctx := context.Background()
		db := store.NewPostgres(pg.DB)
		s.Require().NoError(db.Migrate(ctx))
		s.Require().NoError(pg.Truncate(ctx, "event_actions", "events"))
		return db
	}
	suite.Run(t, s)
}
