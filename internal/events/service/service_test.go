package service_test

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store Notifier
//go:generate mockgen -source=confirm.go -destination=mocks/confirmer.go -package=mocks Confirmer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"crvs/internal/events/authz"
	"crvs/internal/events/configuration"
	"crvs/internal/events/dedup"
	"crvs/internal/events/eventstest"
	"crvs/internal/events/models"
	"crvs/internal/events/search"
	"crvs/internal/events/service"
	"crvs/internal/events/service/mocks"
	"crvs/internal/events/state"
	"crvs/internal/events/store"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/audit"
	"crvs/pkg/platform/audit/publisher"
	auditmemory "crvs/pkg/platform/audit/store/memory"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/testutil"
)

const tennis = eventstest.TennisClubMembership

var agentScopes = []string{
	"record.create[event=tennis-club-membership]",
	"record.declare[event=tennis-club-membership]",
	"record.notify[event=tennis-club-membership]",
	"record.read",
	"record.search",
	"record.declared.validate",
	"record.declared.reject",
	"record.register",
	"record.registered.request-correction",
	"record.registered.correct",
}

type ServiceSuite struct {
	suite.Suite
	ctrl  *gomock.Controller
	store *store.InMemoryStore
	index *search.MemoryIndex
	svc   *service.Service
	agent id.UserID
	now   time.Time
	txSeq int
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = store.NewInMemory()
	s.index = search.NewMemoryIndex()
	s.agent = id.NewUserID()
	s.now = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s.svc = s.newService(s.store)
}

func (s *ServiceSuite) newService(st service.Store, opts ...service.Option) *service.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []service.Option{
		service.WithLogger(logger),
		service.WithIndex(s.index, ""),
		service.WithDuplicateChecker(dedup.New(s.index, dedup.WithLogger(logger))),
	}
	return service.New(st, configuration.NewProvider(eventstest.Source()), authz.New(), append(base, opts...)...)
}

func (s *ServiceSuite) as(user id.UserID, scopes ...string) context.Context {
	ctx := testutil.ActorContext(context.Background(), user, "REGISTRATION_AGENT", scopes...)
	return testutil.AtTime(ctx, s.now)
}

func (s *ServiceSuite) asAgent() context.Context {
	return s.as(s.agent, agentScopes...)
}

func (s *ServiceSuite) tx() id.TransactionID {
	s.txSeq++
	return id.TransactionID(fmt.Sprintf("tx-%d", s.txSeq))
}

func (s *ServiceSuite) create() *models.Event {
	event, err := s.svc.CreateEvent(s.asAgent(), service.CreateRequest{Type: tennis, TransactionID: s.tx()})
	s.Require().NoError(err)
	return event
}

func (s *ServiceSuite) request(eventID id.EventID, t models.ActionType, decl models.Declaration) (*models.Event, error) {
	return s.svc.Request(s.asAgent(), service.ActionRequest{
		EventID:       eventID,
		Type:          t,
		TransactionID: s.tx(),
		Declaration:   decl,
	})
}

func (s *ServiceSuite) assign(eventID id.EventID) {
	_, err := s.svc.Assign(s.asAgent(), eventID, s.tx())
	s.Require().NoError(err)
}

func (s *ServiceSuite) declared(dob, first, surname string) *models.Event {
	event := s.create()
	out, err := s.request(event.ID, models.ActionDeclare, eventstest.Declaration(dob, first, surname))
	s.Require().NoError(err)
	return out
}

func types(event *models.Event) []string {
	out := make([]string, len(event.Actions))
	for i, a := range event.Actions {
		out[i] = string(a.Type) + ":" + string(a.Status)
	}
	return out
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) *dErrors.Error {
	s.Require().Error(err)
	de, ok := dErrors.As(err)
	s.Require().True(ok, "expected a domain error, got %v", err)
	s.Require().Equal(code, de.Code, de.Message)
	return de
}

func (s *ServiceSuite) logLength(eventID id.EventID) int {
	event, err := s.store.Get(context.Background(), eventID)
	s.Require().NoError(err)
	return len(event.Actions)
}

// =============================================================================
// Create
// =============================================================================

func (s *ServiceSuite) TestCreateEvent() {
	s.Run("creates the event assigned to its creator", func() {
		event := s.create()
		s.Equal([]string{"CREATE:Accepted", "ASSIGN:Accepted"}, types(event))
		s.Len(string(event.TrackingID), 7)

		idx, err := s.svc.GetEventIndex(s.asAgent(), event.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusCreated, idx.Status)
		s.True(idx.IsAssignedTo(s.agent))
	})

	s.Run("same transaction returns the first event", func() {
		req := service.CreateRequest{Type: tennis, TransactionID: s.tx()}
		first, err := s.svc.CreateEvent(s.asAgent(), req)
		s.Require().NoError(err)
		second, err := s.svc.CreateEvent(s.asAgent(), req)
		s.Require().NoError(err)
		s.Equal(first.ID, second.ID)
		s.Len(second.Actions, 2)
	})

	s.Run("unknown event type", func() {
		_, err := s.svc.CreateEvent(s.asAgent(), service.CreateRequest{Type: "marriage", TransactionID: s.tx()})
		s.requireCode(err, dErrors.CodeForbidden)
	})

	s.Run("unknown event type with unrestricted scope", func() {
		ctx := s.as(s.agent, "record.create")
		_, err := s.svc.CreateEvent(ctx, service.CreateRequest{Type: "marriage", TransactionID: s.tx()})
		s.requireCode(err, dErrors.CodeInvalidInput)
	})

	s.Run("anonymous caller", func() {
		_, err := s.svc.CreateEvent(context.Background(), service.CreateRequest{Type: tennis, TransactionID: s.tx()})
		s.requireCode(err, dErrors.CodeUnauthorized)
	})
}

// =============================================================================
// Declare and validation
// =============================================================================

func (s *ServiceSuite) TestDeclare() {
	s.Run("accepted declaration equals the input", func() {
		event := s.create()
		input := models.Declaration(eventstest.Declaration("2024-02-01", "John", "Doe"))
		out, err := s.request(event.ID, models.ActionDeclare, input)
		s.Require().NoError(err)

		s.Equal([]string{"CREATE:Accepted", "ASSIGN:Accepted", "DECLARE:Accepted", "UNASSIGN:Accepted"}, types(out))
		s.Equal(input, out.Actions[2].Declaration)

		idx, err := s.svc.GetEventIndex(s.asAgent(), event.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusDeclared, idx.Status)
		s.Nil(idx.AssignedTo)
		s.NotNil(idx.LegalStatuses.Declared)
	})

	s.Run("future date is rejected and nothing is appended", func() {
		event := s.create()
		_, err := s.request(event.ID, models.ActionDeclare, eventstest.Declaration("2040-02-01", "John", "Doe"))
		de := s.requireCode(err, dErrors.CodeValidation)
		s.Contains(de.Fields, "applicant.dob")
		s.Equal(2, s.logLength(event.ID))
	})

	s.Run("unknown field is rejected", func() {
		event := s.create()
		decl := models.Declaration(eventstest.Declaration("2024-02-01", "John", "Doe"))
		decl["applicant.shoe-size"] = 44
		_, err := s.request(event.ID, models.ActionDeclare, decl)
		de := s.requireCode(err, dErrors.CodeValidation)
		s.True(de.Fields.HasKind(dErrors.FailureUnknownField))
		s.Equal(2, s.logLength(event.ID))
	})

	s.Run("every failure is reported at once", func() {
		event := s.create()
		_, err := s.request(event.ID, models.ActionDeclare, models.Declaration{
			"applicant.dob":      "2040-02-01",
			"applicant.rankings": 99999,
		})
		de := s.requireCode(err, dErrors.CodeValidation)
		s.Subset(de.Fields.FieldIDs(), []string{"applicant.dob", "applicant.name", "applicant.rankings"})
	})

	s.Run("hidden field values are dropped without errors", func() {
		event := s.create()
		decl := models.Declaration(eventstest.Declaration("2024-02-01", "John", "Doe"))
		decl["recommender.id"] = "12"
		out, err := s.request(event.ID, models.ActionDeclare, decl)
		s.Require().NoError(err)
		s.NotContains(out.Actions[2].Declaration, "recommender.id")
	})

	s.Run("actions without a form reject declaration values", func() {
		event := s.declared("2024-02-01", "John", "Doe")
		s.assign(event.ID)
		_, err := s.svc.Request(s.asAgent(), service.ActionRequest{
			EventID:       event.ID,
			Type:          models.ActionReject,
			TransactionID: s.tx(),
			Declaration:   models.Declaration{"applicant.dob": "2024-02-02"},
		})
		de := s.requireCode(err, dErrors.CodeValidation)
		s.Equal(dErrors.FailureUnknownField, de.Fields["applicant.dob"][0].Kind)
		s.Equal(dErrors.FailureRequired, de.Fields["reason"][0].Kind)
	})
}

// =============================================================================
// Authorization, assignment and state
// =============================================================================

func (s *ServiceSuite) TestAuthorizationPrecedesValidation() {
	event := s.create()
	ctx := s.as(id.NewUserID(), "record.declare[event=death]")
	_, err := s.svc.Request(ctx, service.ActionRequest{
		EventID:       event.ID,
		Type:          models.ActionDeclare,
		TransactionID: s.tx(),
		Declaration:   models.Declaration{"applicant.dob": "2040-02-01", "bogus": true},
	})
	s.requireCode(err, dErrors.CodeForbidden)
	s.Equal(2, s.logLength(event.ID))
}

func (s *ServiceSuite) TestAssignment() {
	other := id.NewUserID()
	otherCtx := s.as(other, agentScopes...)

	s.Run("write actions need the assignment", func() {
		event := s.create()
		_, err := s.svc.Request(otherCtx, service.ActionRequest{
			EventID:       event.ID,
			Type:          models.ActionDeclare,
			TransactionID: s.tx(),
			Declaration:   eventstest.Declaration("2024-02-01", "John", "Doe"),
		})
		s.requireCode(err, dErrors.CodeConflict)
	})

	s.Run("assigning an event held by someone else conflicts", func() {
		event := s.create()
		_, err := s.svc.Assign(otherCtx, event.ID, s.tx())
		s.requireCode(err, dErrors.CodeConflict)
	})

	s.Run("unassigning someone else needs the scope", func() {
		event := s.create()
		_, err := s.svc.Unassign(otherCtx, event.ID, s.tx(), nil)
		s.requireCode(err, dErrors.CodeForbidden)

		supervisor := s.as(other, append([]string{"record.unassign-others"}, agentScopes...)...)
		agent := s.agent
		out, err := s.svc.Unassign(supervisor, event.ID, s.tx(), &agent)
		s.Require().NoError(err)
		s.Nil(state.Fold(out).AssignedTo)

		_, err = s.svc.Assign(otherCtx, event.ID, s.tx())
		s.Require().NoError(err)
	})

	s.Run("unassigning an unassigned event conflicts", func() {
		event := s.declared("2024-02-01", "John", "Doe")
		_, err := s.svc.Unassign(s.asAgent(), event.ID, s.tx(), nil)
		s.requireCode(err, dErrors.CodeConflict)
	})

	s.Run("keepAssignment holds on to the event", func() {
		event := s.create()
		out, err := s.svc.Request(s.asAgent(), service.ActionRequest{
			EventID:        event.ID,
			Type:           models.ActionNotify,
			TransactionID:  s.tx(),
			Declaration:    models.Declaration{"applicant.dob": "2024-02-01"},
			KeepAssignment: true,
		})
		s.Require().NoError(err)
		idx := state.Fold(out)
		s.True(idx.IsAssignedTo(s.agent))
		s.Equal(models.StatusNotified, idx.Status)
		s.True(idx.HasFlag(models.FlagIncomplete))
	})
}

func (s *ServiceSuite) TestLifecycleGuard() {
	event := s.declared("2024-02-01", "John", "Doe")
	s.assign(event.ID)

	_, err := s.request(event.ID, models.ActionNotify, models.Declaration{})
	s.requireCode(err, dErrors.CodeInvalidState)

	_, err = s.request(event.ID, models.ActionApproveCorrection, nil)
	s.requireCode(err, dErrors.CodeInvalidState)

	_, err = s.request(event.ID, models.ActionDuplicateDetected, nil)
	s.requireCode(err, dErrors.CodeForbidden)
}

// =============================================================================
// Idempotency and concurrency
// =============================================================================

func (s *ServiceSuite) TestIdempotentReplay() {
	event := s.create()
	req := service.ActionRequest{
		EventID:       event.ID,
		Type:          models.ActionDeclare,
		TransactionID: s.tx(),
		Declaration:   eventstest.Declaration("2024-02-01", "John", "Doe"),
	}
	first, err := s.svc.Request(s.asAgent(), req)
	s.Require().NoError(err)

	// a later action must not leak into the replay
	s.assign(event.ID)

	second, err := s.svc.Request(s.asAgent(), req)
	s.Require().NoError(err)

	a, err := json.Marshal(first)
	s.Require().NoError(err)
	b, err := json.Marshal(second)
	s.Require().NoError(err)
	s.JSONEq(string(a), string(b))
	s.Equal(string(a), string(b))

	stored, err := s.store.Get(context.Background(), event.ID)
	s.Require().NoError(err)
	declares := 0
	for _, action := range stored.Actions {
		if action.Type == models.ActionDeclare {
			declares++
		}
	}
	s.Equal(1, declares)
}

// timestamptzStore stores times at microsecond resolution, the way
// TIMESTAMPTZ columns do.
type timestamptzStore struct {
	*store.InMemoryStore
}

func truncated(event *models.Event) *models.Event {
	if event == nil {
		return nil
	}
	out := *event
	out.CreatedAt = out.CreatedAt.Truncate(time.Microsecond)
	out.UpdatedAt = out.UpdatedAt.Truncate(time.Microsecond)
	out.Actions = make([]models.Action, len(event.Actions))
	for i, a := range event.Actions {
		a.CreatedAt = a.CreatedAt.Truncate(time.Microsecond)
		out.Actions[i] = a
	}
	return &out
}

func (t *timestamptzStore) Get(ctx context.Context, eventID id.EventID) (*models.Event, error) {
	event, err := t.InMemoryStore.Get(ctx, eventID)
	return truncated(event), err
}

func (t *timestamptzStore) FindCreated(ctx context.Context, actor id.UserID, transactionID id.TransactionID) (*models.Event, error) {
	event, err := t.InMemoryStore.FindCreated(ctx, actor, transactionID)
	return truncated(event), err
}

func (t *timestamptzStore) Append(ctx context.Context, eventID id.EventID, expected int, actions ...models.Action) (*models.Event, error) {
	event, err := t.InMemoryStore.Append(ctx, eventID, expected, actions...)
	return truncated(event), err
}

func (s *ServiceSuite) TestReplayWithMicrosecondStorage() {
	s.now = time.Date(2025, 3, 10, 8, 0, 0, 123456789, time.UTC)
	s.svc = s.newService(&timestamptzStore{InMemoryStore: s.store})

	marshal := func(event *models.Event) string {
		raw, err := json.Marshal(event)
		s.Require().NoError(err)
		return string(raw)
	}

	s.Run("create replay returns the same bytes", func() {
		req := service.CreateRequest{Type: tennis, TransactionID: s.tx()}
		first, err := s.svc.CreateEvent(s.asAgent(), req)
		s.Require().NoError(err)
		second, err := s.svc.CreateEvent(s.asAgent(), req)
		s.Require().NoError(err)

		s.Equal(marshal(first), marshal(second))
		s.Equal(0, first.CreatedAt.Nanosecond()%1000)
	})

	s.Run("action replay returns the same bytes", func() {
		event := s.create()
		req := service.ActionRequest{
			EventID:       event.ID,
			Type:          models.ActionDeclare,
			TransactionID: s.tx(),
			Declaration:   eventstest.Declaration("2024-02-01", "John", "Doe"),
		}
		first, err := s.svc.Request(s.asAgent(), req)
		s.Require().NoError(err)
		second, err := s.svc.Request(s.asAgent(), req)
		s.Require().NoError(err)

		s.Equal(marshal(first), marshal(second))
	})
}

// racingStore lets a rival writer win the first append.
type racingStore struct {
	*store.InMemoryStore
	raced bool
	rival id.UserID
}

func (r *racingStore) Append(ctx context.Context, eventID id.EventID, expected int, actions ...models.Action) (*models.Event, error) {
	if !r.raced {
		r.raced = true
		read := models.Action{
			ID:            id.NewActionID(),
			EventID:       eventID,
			Type:          models.ActionRead,
			Status:        models.ActionStatusAccepted,
			Declaration:   models.Declaration{},
			CreatedBy:     r.rival,
			CreatedAt:     time.Now().UTC(),
			TransactionID: "rival",
		}
		if _, err := r.InMemoryStore.Append(ctx, eventID, expected, read); err != nil {
			return nil, err
		}
	}
	return r.InMemoryStore.Append(ctx, eventID, expected, actions...)
}

func (s *ServiceSuite) TestConflictRetry() {
	s.Run("unknown event", func() {
		_, err := s.request(id.NewEventID(), models.ActionDeclare, nil)
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Run("a lost append is redone against the new log", func() {
		racing := &racingStore{InMemoryStore: s.store, rival: id.NewUserID()}
		s.svc = s.newService(racing)
		event := s.create()

		out, err := s.request(event.ID, models.ActionDeclare, eventstest.Declaration("2024-02-01", "John", "Doe"))
		s.Require().NoError(err)
		s.Equal([]string{
			"CREATE:Accepted", "ASSIGN:Accepted", "READ:Accepted", "DECLARE:Accepted", "UNASSIGN:Accepted",
		}, types(out))
	})

	s.Run("persistent conflicts surface as CONFLICT", func() {
		mockStore := mocks.NewMockStore(s.ctrl)
		s.svc = s.newService(mockStore)
		event := s.seedEvent()

		mockStore.EXPECT().Get(gomock.Any(), event.ID).Return(event, nil).AnyTimes()
		mockStore.EXPECT().Append(gomock.Any(), event.ID, 2, gomock.Any(), gomock.Any()).
			Return(nil, sentinel.ErrConflict).Times(3)

		_, err := s.request(event.ID, models.ActionDeclare, eventstest.Declaration("2024-02-01", "John", "Doe"))
		s.requireCode(err, dErrors.CodeConflict)
	})

	s.Run("storage outage is an infrastructure error", func() {
		mockStore := mocks.NewMockStore(s.ctrl)
		s.svc = s.newService(mockStore)
		event := s.seedEvent()

		mockStore.EXPECT().Get(gomock.Any(), event.ID).Return(event, nil)
		mockStore.EXPECT().Append(gomock.Any(), event.ID, 2, gomock.Any(), gomock.Any()).
			Return(nil, sentinel.ErrUnavailable)

		_, err := s.request(event.ID, models.ActionDeclare, eventstest.Declaration("2024-02-01", "John", "Doe"))
		s.requireCode(err, dErrors.CodeUnavailable)
	})

}

func (s *ServiceSuite) seedEvent() *models.Event {
	eventID := id.NewEventID()
	agent := s.agent
	entry := func(t models.ActionType) models.Action {
		return models.Action{
			ID: id.NewActionID(), EventID: eventID, Type: t, Status: models.ActionStatusAccepted,
			Declaration: models.Declaration{}, CreatedBy: s.agent, CreatedAt: s.now, TransactionID: "seed",
		}
	}
	assign := entry(models.ActionAssign)
	assign.AssignedTo = &agent
	return &models.Event{
		ID: eventID, Type: tennis, TrackingID: "SEED001", CreatedAt: s.now, UpdatedAt: s.now,
		Actions: []models.Action{entry(models.ActionCreate), assign},
	}
}

// =============================================================================
// Duplicates and side effects
// =============================================================================

func (s *ServiceSuite) TestDuplicateDetection() {
	first := s.declared("2024-02-01", "John", "Doe")
	s.Empty(state.Fold(first).PotentialDuplicates)

	second := s.declared("2024-02-01", "Jon", "Doe")
	last := second.Actions[len(second.Actions)-1]
	s.Equal(models.ActionDuplicateDetected, last.Type)

	idx, err := s.svc.GetEventIndex(s.asAgent(), second.ID)
	s.Require().NoError(err)
	s.Equal([]models.DuplicateRef{{ID: first.ID, TrackingID: first.TrackingID}}, idx.PotentialDuplicates)
	s.True(idx.HasFlag(models.FlagPotentialDuplicate))

	s.Run("an unrelated declaration has no suspects", func() {
		other := s.declared("1990-06-15", "Maria", "Garcia")
		idx := state.Fold(other)
		s.Empty(idx.PotentialDuplicates)
		s.False(idx.HasFlag(models.FlagPotentialDuplicate))
	})
}

type failingChecker struct{}

func (failingChecker) Check(context.Context, *configuration.EventConfig, *models.EventIndex) ([]models.DuplicateRef, error) {
	return nil, dErrors.New(dErrors.CodeUnavailable, "search index down")
}

func (s *ServiceSuite) TestSideEffectFailuresNeverFailTheRequest() {
	notifier := mocks.NewMockNotifier(s.ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("broker down")).Times(2)
	delivered := mocks.NewMockNotifier(s.ctrl)
	delivered.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	s.svc = s.newService(s.store,
		service.WithNotifier(notifier),
		service.WithNotifier(delivered),
		service.WithDuplicateChecker(failingChecker{}),
	)

	out := s.declared("2024-02-01", "John", "Doe")
	s.Equal(models.StatusDeclared, state.Fold(out).Status)
}

// hungIndex never answers a write until the caller gives up.
type hungIndex struct {
	*search.MemoryIndex
}

func (hungIndex) Index(ctx context.Context, _ string, _ search.Document) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *ServiceSuite) TestIndexWritesAreBounded() {
	s.svc = s.newService(s.store,
		service.WithIndex(hungIndex{MemoryIndex: s.index}, ""),
		service.WithIndexTimeout(50*time.Millisecond),
	)

	done := make(chan *models.Event, 1)
	go func() {
		event, err := s.svc.CreateEvent(s.asAgent(), service.CreateRequest{Type: tennis, TransactionID: s.tx()})
		if err != nil {
			event = nil
		}
		done <- event
	}()

	select {
	case event := <-done:
		s.Require().NotNil(event)
		s.Equal(2, s.logLength(event.ID))
	case <-time.After(2 * time.Second):
		s.Fail("create blocked on a hung search index")
	}
}

func (s *ServiceSuite) TestNotification() {
	notifier := mocks.NewMockNotifier(s.ctrl)
	var got []service.Notification
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, n service.Notification) error {
			got = append(got, n)
			return nil
		}).Times(2)
	s.svc = s.newService(s.store, service.WithNotifier(notifier))

	event := s.declared("2024-02-01", "John", "Doe")
	s.Require().Len(got, 2)
	s.Equal(models.ActionCreate, got[0].ActionType)
	s.Equal(models.ActionDeclare, got[1].ActionType)
	s.Equal(models.StatusDeclared, got[1].Status)
	s.Equal(event.Version(), got[1].Version)
}

// =============================================================================
// Two-phase actions
// =============================================================================

func (s *ServiceSuite) TestTwoPhaseRegister() {
	s.Run("default confirmer accepts in the same request", func() {
		event := s.declared("2024-02-01", "John", "Doe")
		s.assign(event.ID)
		out, err := s.request(event.ID, models.ActionRegister, nil)
		s.Require().NoError(err)

		n := len(out.Actions)
		requested, accepted := out.Actions[n-3], out.Actions[n-2]
		s.Equal(models.ActionStatusRequested, requested.Status)
		s.Equal(models.ActionStatusAccepted, accepted.Status)
		s.Equal(requested.ID, *accepted.OriginalActionID)
		s.Equal(models.ActionUnassign, out.Actions[n-1].Type)

		idx := state.Fold(out)
		s.Equal(models.StatusRegistered, idx.Status)
		s.True(idx.HasFlag(models.FlagPendingCertification))
	})

	s.Run("pending confirmation is resolved later", func() {
		confirmer := mocks.NewMockConfirmer(s.ctrl)
		confirmer.EXPECT().Confirm(gomock.Any(), gomock.Any()).
			Return(service.Confirmation{Outcome: service.OutcomePending}, nil)
		s.svc = s.newService(s.store, service.WithConfirmer(confirmer))

		event := s.declared("2024-02-01", "John", "Doe")
		s.assign(event.ID)
		out, err := s.request(event.ID, models.ActionRegister, nil)
		s.Require().NoError(err)

		pending, ok := state.PendingRequest(out)
		s.Require().True(ok)
		s.Equal(models.StatusDeclared, state.Fold(out).Status)

		s.assign(event.ID)
		_, err = s.request(event.ID, models.ActionValidate, nil)
		s.requireCode(err, dErrors.CodeInvalidState)

		tx := s.tx()
		confirmed, err := s.svc.ConfirmAction(s.asAgent(), event.ID, pending.ID, tx)
		s.Require().NoError(err)
		s.Equal(models.StatusRegistered, state.Fold(confirmed).Status)

		replayed, err := s.svc.ConfirmAction(s.asAgent(), event.ID, pending.ID, tx)
		s.Require().NoError(err)
		s.Equal(confirmed.Version(), replayed.Version())

		_, err = s.svc.ConfirmAction(s.asAgent(), event.ID, pending.ID, s.tx())
		s.requireCode(err, dErrors.CodeInvalidState)
	})

	s.Run("rejection keeps the prior status", func() {
		confirmer := mocks.NewMockConfirmer(s.ctrl)
		confirmer.EXPECT().Confirm(gomock.Any(), gomock.Any()).
			Return(service.Confirmation{Outcome: service.OutcomeRejected, Reason: "duplicate registration"}, nil)
		s.svc = s.newService(s.store, service.WithConfirmer(confirmer))

		event := s.declared("2024-02-01", "John", "Doe")
		s.assign(event.ID)
		out, err := s.request(event.ID, models.ActionRegister, nil)
		s.Require().NoError(err)

		n := len(out.Actions)
		s.Equal(models.ActionStatusRejected, out.Actions[n-2].Status)
		s.Equal("duplicate registration", out.Actions[n-2].Reason)
		_, pending := state.PendingRequest(out)
		s.False(pending)
		s.Equal(models.StatusDeclared, state.Fold(out).Status)
	})

	s.Run("confirmer failure leaves the action pending", func() {
		confirmer := mocks.NewMockConfirmer(s.ctrl)
		confirmer.EXPECT().Confirm(gomock.Any(), gomock.Any()).
			Return(service.Confirmation{}, errors.New("country config timeout"))
		s.svc = s.newService(s.store, service.WithConfirmer(confirmer))

		event := s.declared("2024-02-01", "John", "Doe")
		s.assign(event.ID)
		out, err := s.request(event.ID, models.ActionRegister, nil)
		s.Require().NoError(err)

		_, pending := state.PendingRequest(out)
		s.True(pending)
		s.Nil(state.Fold(out).AssignedTo)
	})
}

// =============================================================================
// Corrections, deletion and queries
// =============================================================================

func (s *ServiceSuite) TestCorrection() {
	event := s.declared("2024-02-01", "John", "Doe")
	s.assign(event.ID)
	_, err := s.request(event.ID, models.ActionRegister, nil)
	s.Require().NoError(err)

	s.assign(event.ID)
	requested, err := s.svc.Request(s.asAgent(), service.ActionRequest{
		EventID:       event.ID,
		Type:          models.ActionRequestCorrection,
		TransactionID: s.tx(),
		Declaration:   models.Declaration{"applicant.email": "john@example.com"},
		Annotation:    models.Declaration{"correction.reason": "typo"},
	})
	s.Require().NoError(err)
	idx := state.Fold(requested)
	s.True(idx.HasFlag(models.FlagCorrectionRequested))
	s.NotContains(idx.Declaration, "applicant.email")
	requestID := requested.Actions[len(requested.Actions)-2].ID

	s.assign(event.ID)
	_, err = s.request(event.ID, models.ActionApproveCorrection, nil)
	de := s.requireCode(err, dErrors.CodeValidation)
	s.Contains(de.Fields, "requestId")

	approved, err := s.svc.Request(s.asAgent(), service.ActionRequest{
		EventID:       event.ID,
		Type:          models.ActionApproveCorrection,
		TransactionID: s.tx(),
		RequestID:     &requestID,
	})
	s.Require().NoError(err)
	idx = state.Fold(approved)
	s.Equal("john@example.com", idx.Declaration["applicant.email"])
	s.False(idx.HasFlag(models.FlagCorrectionRequested))
}

func (s *ServiceSuite) TestDeleteEvent() {
	event := s.create()
	out, err := s.svc.DeleteEvent(s.asAgent(), event.ID, s.tx())
	s.Require().NoError(err)
	s.Equal(models.StatusDeleted, state.Fold(out).Status)

	_, err = s.index.Get(context.Background(), search.IndexName("", tennis), event.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.svc.Assign(s.asAgent(), event.ID, s.tx())
	s.requireCode(err, dErrors.CodeInvalidState)
}

func (s *ServiceSuite) TestListEvents() {
	declared := s.declared("2024-02-01", "John", "Doe")
	created := s.create()

	s.Run("from the search index", func() {
		s.Require().NoError(s.index.Refresh(context.Background(), search.IndexName("", tennis)))
		all, err := s.svc.ListEvents(s.asAgent(), service.ListRequest{Type: tennis})
		s.Require().NoError(err)
		s.Len(all, 2)

		only, err := s.svc.ListEvents(s.asAgent(), service.ListRequest{Type: tennis, Status: models.StatusDeclared})
		s.Require().NoError(err)
		s.Require().Len(only, 1)
		s.Equal(declared.ID, only[0].ID)
	})

	s.Run("by folding the log", func() {
		svc := service.New(s.store, configuration.NewProvider(eventstest.Source()), authz.New())
		only, err := svc.ListEvents(s.asAgent(), service.ListRequest{Type: tennis, Status: models.StatusCreated})
		s.Require().NoError(err)
		s.Require().Len(only, 1)
		s.Equal(created.ID, only[0].ID)
	})

	s.Run("needs the search scope", func() {
		_, err := s.svc.ListEvents(s.as(s.agent, "record.declare"), service.ListRequest{Type: tennis})
		s.requireCode(err, dErrors.CodeForbidden)
	})
}

func (s *ServiceSuite) TestAuditTrail() {
	trail := auditmemory.NewInMemoryStore()
	s.svc = s.newService(s.store, service.WithAuditPublisher(publisher.NewPublisher(trail)))

	event := s.create()
	_, err := s.request(event.ID, models.ActionDeclare, eventstest.Declaration("2024-02-01", "John", "Doe"))
	s.Require().NoError(err)

	outsider := id.NewUserID()
	_, err = s.svc.Request(s.as(outsider, "record.read"), service.ActionRequest{
		EventID:       event.ID,
		Type:          models.ActionValidate,
		TransactionID: s.tx(),
	})
	s.requireCode(err, dErrors.CodeForbidden)

	entries, err := trail.ListByEvent(context.Background(), event.ID)
	s.Require().NoError(err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	s.Equal([]string{"event_created", "action_accepted", "access_denied"}, actions)
	s.Equal(s.agent, entries[1].ActorID)
	s.Equal(string(models.ActionDeclare), entries[1].ActionType)
	s.Equal(audit.CategorySecurity, entries[2].Category)
	s.Equal(outsider, entries[2].ActorID)
}
