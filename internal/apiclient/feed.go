package apiclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campusride/internal/api"
	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/logging"
	"campusride/internal/middleware"
)

const (
	defaultFeedIdle   = time.Minute
	feedControlWait   = time.Second
	feedClientBuffer  = 64
	feedHandshakeWait = 10 * time.Second
)

// FeedClient subscribes to the WebSocket change feed. The server scopes
// events to the principal; the predicate narrows them further locally.
type FeedClient struct {
	url       string
	principal domain.Principal
	dialer    *websocket.Dialer
	idle      time.Duration
	logger    *slog.Logger
}

// NewFeedClient creates a FeedClient for the API at baseURL. idle bounds
// how long the connection may stay silent, server pings included, before it
// is treated as dead; zero uses one minute.
func NewFeedClient(baseURL string, principal domain.Principal, idle time.Duration, logger *slog.Logger) *FeedClient {
	u := strings.TrimRight(baseURL, "/") + "/v1/feed"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if idle <= 0 {
		idle = defaultFeedIdle
	}
	return &FeedClient{
		url:       u,
		principal: principal,
		dialer:    &websocket.Dialer{HandshakeTimeout: feedHandshakeWait},
		idle:      idle,
		logger:    logging.OrDiscard(logger),
	}
}

// Subscribe implements feed.Feed.
func (f *FeedClient) Subscribe(ctx context.Context, pred feed.Predicate) (feed.Subscription, error) {
	hdr := http.Header{}
	hdr.Set(middleware.ActorIDHeader, f.principal.ID)
	hdr.Set(middleware.ActorRoleHeader, string(f.principal.Role))

	conn, resp, err := f.dialer.DialContext(ctx, f.url, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, transportError(err)
	}

	sub := &wsSubscription{
		conn:   conn,
		events: make(chan feed.Event, feedClientBuffer),
		done:   make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(f.idle))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(f.idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(feedControlWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	stop := context.AfterFunc(ctx, func() { sub.shutdown(ctx.Err(), true) })
	go func() {
		defer stop()
		sub.readLoop(pred, f.idle, f.logger)
	}()

	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	events chan feed.Event
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *wsSubscription) Events() <-chan feed.Event {
	return s.events
}

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	s.shutdown(nil, true)
	return nil
}

// shutdown records the first reason the subscription ended and tears the
// connection down. Later calls are no-ops.
func (s *wsSubscription) shutdown(err error, byClient bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if byClient {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(feedControlWait))
		}
		_ = s.conn.Close()
	})
}

func (s *wsSubscription) readLoop(pred feed.Predicate, idle time.Duration, logger *slog.Logger) {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(classifyReadError(err), false)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(idle))

		ev, err := feed.UnmarshalEvent(data)
		if err != nil {
			logger.Warn("dropping undecodable feed frame", "error", err)
			continue
		}
		if ev.Op != feed.OpResync && pred != nil && !pred(ev) {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case api.FeedCloseLagged:
			return feed.ErrLagged
		case websocket.CloseNormalClosure:
			return feed.ErrClosed
		}
	}
	return transportError(err)
}
