package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"campusride/internal/api"
	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/logging"
	"campusride/internal/middleware"
)

const feedReadLimit = 512

// FeedHandler streams ride changes over WebSocket. Students receive their
// own rides; drivers receive open requests and rides assigned to them.
type FeedHandler struct {
	changes      feed.Feed
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewFeedHandler creates a new FeedHandler.
func NewFeedHandler(changes feed.Feed, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{
		changes: changes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Authentication happens at the gateway, which also enforces origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logging.OrDiscard(logger),
	}
}

// Subscribe handles GET /v1/feed
func (h *FeedHandler) Subscribe(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	var pred feed.Predicate
	switch p.Role {
	case domain.ActorRoleStudent:
		pred = feed.ForStudent(p.ID)
	case domain.ActorRoleDriver:
		pred = feed.ForDriver(p.ID)
	default:
		respondBadRequest(c, "unknown role")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.changes.Subscribe(ctx, pred)
	if err != nil {
		h.closeWith(conn, websocket.CloseInternalServerErr, "feed unavailable")
		return
	}
	defer sub.Close()

	go h.readPump(conn, cancel)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	h.logger.Debug("feed subscriber connected", "actor_id", p.ID, "role", p.Role)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), feed.ErrLagged) {
					h.closeWith(conn, api.FeedCloseLagged, "lagged")
				} else {
					h.closeWith(conn, websocket.CloseGoingAway, "feed closed")
				}
				return
			}
			data, err := feed.MarshalEvent(ev)
			if err != nil {
				h.logger.Error("encode feed event", "event_id", ev.ID, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *FeedHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(feedReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *FeedHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}
