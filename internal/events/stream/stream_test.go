package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"crvs/internal/events/models"
	"crvs/internal/events/service"
	"crvs/internal/events/stream"
	"crvs/internal/events/stream/mocks"
	"crvs/internal/platform/kafka/consumer"
	"crvs/internal/platform/kafka/producer"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/requestcontext"
)

type StreamSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	publisher *mocks.MockPublisher
	reindexer *mocks.MockReindexer
	logger    *slog.Logger
}

func TestStreamSuite(t *testing.T) {
	suite.Run(t, new(StreamSuite))
}

func (s *StreamSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.reindexer = mocks.NewMockReindexer(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *StreamSuite) TearDownTest() {
	s.ctrl.Finish()
}

func notification() service.Notification {
	return service.Notification{
		EventID:       id.NewEventID(),
		EventType:     "tennis-club-membership",
		TrackingID:    "ABC1234",
		ActionType:    models.ActionDeclare,
		Status:        models.StatusDeclared,
		TransactionID: "tx-1",
		Version:       4,
		At:            time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func (s *StreamSuite) message(note service.Notification, headers map[string]string) *consumer.Message {
	value, err := json.Marshal(note)
	s.Require().NoError(err)
	return &consumer.Message{Topic: "event-actions", Key: []byte(note.EventID.String()), Value: value, Headers: headers}
}

// =============================================================================
// Notifier
// =============================================================================

func (s *StreamSuite) TestNotify() {
	s.Run("publishes keyed by event id with request id header", func() {
		note := notification()
		ctx := requestcontext.WithRequestID(context.Background(), "req-7")

		var got producer.Message
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, msg producer.Message) error {
				got = msg
				return nil
			})

		err := stream.NewNotifier(s.publisher, "event-actions").Notify(ctx, note)
		s.Require().NoError(err)

		s.Equal("event-actions", got.Topic)
		s.Equal(note.EventID.String(), string(got.Key))
		s.Equal("req-7", got.Headers["request_id"])
		s.Equal("DECLARE", got.Headers["action_type"])

		var decoded service.Notification
		s.Require().NoError(json.Unmarshal(got.Value, &decoded))
		s.Equal(note, decoded)
	})

	s.Run("broker failure is returned", func() {
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

		err := stream.NewNotifier(s.publisher, "event-actions").Notify(context.Background(), notification())
		s.Error(err)
	})
}

// =============================================================================
// ReindexHandler
// =============================================================================

func (s *StreamSuite) TestReindex() {
	s.Run("reprojects the named event", func() {
		note := notification()
		s.reindexer.EXPECT().Reindex(gomock.Any(), note.EventID).
			DoAndReturn(func(ctx context.Context, _ id.EventID) error {
				s.Equal("req-9", requestcontext.RequestID(ctx))
				return nil
			})

		h := stream.NewReindexHandler(s.reindexer, s.logger)
		s.NoError(h.Handle(context.Background(), s.message(note, map[string]string{"request_id": "req-9"})))
	})

	s.Run("malformed message is skipped", func() {
		h := stream.NewReindexHandler(s.reindexer, s.logger)
		s.NoError(h.Handle(context.Background(), &consumer.Message{Value: []byte("not json")}))
		s.NoError(h.Handle(context.Background(), &consumer.Message{Value: []byte("{}")}))
	})

	s.Run("unknown event is skipped without retry", func() {
		note := notification()
		s.reindexer.EXPECT().Reindex(gomock.Any(), note.EventID).
			Return(dErrors.New(dErrors.CodeNotFound, "event not found")).Times(1)

		h := stream.NewReindexHandler(s.reindexer, s.logger, stream.WithRetry(3, 0))
		s.NoError(h.Handle(context.Background(), s.message(note, nil)))
	})

	s.Run("transient failure is retried", func() {
		note := notification()
		gomock.InOrder(
			s.reindexer.EXPECT().Reindex(gomock.Any(), note.EventID).
				Return(dErrors.New(dErrors.CodeUnavailable, "store down")),
			s.reindexer.EXPECT().Reindex(gomock.Any(), note.EventID).Return(nil),
		)

		h := stream.NewReindexHandler(s.reindexer, s.logger, stream.WithRetry(3, 0))
		s.NoError(h.Handle(context.Background(), s.message(note, nil)))
	})

	s.Run("gives up after the configured attempts", func() {
		note := notification()
		s.reindexer.EXPECT().Reindex(gomock.Any(), note.EventID).
			Return(dErrors.New(dErrors.CodeUnavailable, "store down")).Times(2)

		h := stream.NewReindexHandler(s.reindexer, s.logger, stream.WithRetry(2, 0))
		err := h.Handle(context.Background(), s.message(note, nil))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})
}

func TestNotifierSatisfiesService(t *testing.T) {
	var n service.Notifier = stream.NewNotifier(nil, "t")
	require.NotNil(t, n)
	assert.Implements(t, (*consumer.Handler)(nil), stream.NewReindexHandler(nil, nil))
}
