package live

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/httputil"
	"crvs/pkg/requestcontext"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	// clients only send control frames
	readLimit = 512
)

// Authorizer decides whether the caller may watch events of a type.
type Authorizer interface {
	AuthorizeList(ctx context.Context, actor requestcontext.ActorInfo, eventType string) error
}

// Handler upgrades GET /events/live?type=<eventType> to a websocket that
// receives one JSON notification per committed request on that event type.
type Handler struct {
	hub        *Hub
	authorizer Authorizer
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHandler(hub *Hub, authorizer Authorizer, logger *slog.Logger) *Handler {
	return &Handler{
		hub:        hub,
		authorizer: authorizer,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:     logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "type is required"))
		return
	}
	if err := h.authorizer.AuthorizeList(ctx, requestcontext.Actor(ctx), eventType); err != nil {
		httputil.WriteError(w, err)
		return
	}

	sub := h.hub.subscribe(eventType)
	if sub == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "shutting down"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.hub.unsubscribe(sub)
		h.logger.WarnContext(ctx, "live upgrade failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return
	}
	h.logger.InfoContext(ctx, "live subscriber connected",
		"event_type", eventType,
		"subscriber", sub.id,
		"request_id", requestcontext.RequestID(ctx),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(readLimit)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	h.write(conn, sub, done)
	h.hub.unsubscribe(sub)
	_ = conn.Close()
	<-done
	h.logger.InfoContext(ctx, "live subscriber disconnected",
		"subscriber", sub.id,
		"request_id", requestcontext.RequestID(ctx),
	)
}

func (h *Handler) write(conn *websocket.Conn, sub *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case n, ok := <-sub.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
