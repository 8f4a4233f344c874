package live

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"crvs/internal/events/authz"
	"crvs/internal/events/models"
	"crvs/internal/events/service"
	id "crvs/pkg/domain"
	"crvs/pkg/requestcontext"
)

type LiveSuite struct {
	suite.Suite
	hub    *Hub
	scopes []string
	server *httptest.Server
}

func TestLiveSuite(t *testing.T) {
	suite.Run(t, new(LiveSuite))
}

func (s *LiveSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.hub = NewHub(WithBuffer(2), WithLogger(logger))
	s.scopes = []string{"record.search[event=birth]"}
	h := NewHandler(s.hub, authz.New(), logger)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithActor(r.Context(), requestcontext.ActorInfo{ID: id.NewUserID(), Scopes: s.scopes})
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
}

func (s *LiveSuite) TearDownTest() {
	s.hub.Close()
	s.server.Close()
}

func (s *LiveSuite) dial(query string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/events/live" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func note(eventType string, version int) service.Notification {
	return service.Notification{
		EventID:    id.NewEventID(),
		EventType:  eventType,
		ActionType: models.ActionDeclare,
		Version:    version,
	}
}

// =============================================================================
// Hub
// =============================================================================

func (s *LiveSuite) TestHub() {
	s.Run("delivers only the subscribed type", func() {
		hub := NewHub()
		sub := hub.subscribe("birth")
		s.Require().NoError(hub.Notify(context.Background(), note("death", 1)))
		s.Require().NoError(hub.Notify(context.Background(), note("birth", 2)))
		s.Equal(2, (<-sub.send).Version)
		s.Empty(sub.send)
	})

	s.Run("drops for a full subscriber without blocking", func() {
		hub := NewHub(WithBuffer(1))
		sub := hub.subscribe("birth")
		for v := range 3 {
			s.Require().NoError(hub.Notify(context.Background(), note("birth", v)))
		}
		s.Len(sub.send, 1)
		s.EqualValues(2, hub.Dropped())
	})

	s.Run("close ends subscriptions and refuses new ones", func() {
		hub := NewHub()
		sub := hub.subscribe("birth")
		hub.Close()
		_, open := <-sub.send
		s.False(open)
		s.Nil(hub.subscribe("birth"))
		s.Zero(hub.Subscribers())
		hub.unsubscribe(sub)
	})
}

// =============================================================================
// Websocket
// =============================================================================

func (s *LiveSuite) TestStream() {
	conn, _, err := s.dial("?type=birth")
	s.Require().NoError(err)
	defer conn.Close()
	s.Eventually(func() bool { return s.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	sent := note("birth", 3)
	s.Require().NoError(s.hub.Notify(context.Background(), note("death", 1)))
	s.Require().NoError(s.hub.Notify(context.Background(), sent))

	var got service.Notification
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(time.Second)))
	s.Require().NoError(conn.ReadJSON(&got))
	s.Equal(sent.EventID, got.EventID)
	s.Equal(3, got.Version)

	s.hub.Close()
	_, _, err = conn.ReadMessage()
	s.True(websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func (s *LiveSuite) TestClientDisconnectUnsubscribes() {
	conn, _, err := s.dial("?type=birth")
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	s.Require().NoError(conn.Close())
	s.Eventually(func() bool { return s.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func (s *LiveSuite) TestRejectsBeforeUpgrade() {
	s.Run("missing type", func() {
		_, resp, err := s.dial("")
		s.Require().Error(err)
		s.Equal(http.StatusBadRequest, resp.StatusCode)
	})

	s.Run("no search scope for the type", func() {
		_, resp, err := s.dial("?type=death")
		s.Require().Error(err)
		s.Equal(http.StatusForbidden, resp.StatusCode)
		s.Zero(s.hub.Subscribers())
	})
}
