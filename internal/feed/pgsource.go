package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"campusride/internal/logging"
	"campusride/internal/observability"
	"campusride/internal/repository/postgres"
)

const pingInterval = 90 * time.Second

// PGSource turns Postgres NOTIFY messages on the ride change channel into
// feed events.
type PGSource struct {
	dsn                  string
	pub                  Publisher
	logger               *slog.Logger
	minReconnectInterval time.Duration
	maxReconnectInterval time.Duration
}

// NewPGSource creates a source that publishes every ride change to pub.
func NewPGSource(dsn string, pub Publisher, minReconnect, maxReconnect time.Duration, logger *slog.Logger) *PGSource {
	return &PGSource{
		dsn:                  dsn,
		pub:                  pub,
		logger:               logging.OrDiscard(logger),
		minReconnectInterval: minReconnect,
		maxReconnectInterval: maxReconnect,
	}
}

// Run listens until ctx is done. After the listener reconnects a resync
// event is published, since notifications sent while disconnected are lost.
func (s *PGSource) Run(ctx context.Context) error {
	listener := pq.NewListener(s.dsn, s.minReconnectInterval, s.maxReconnectInterval, s.onListenerEvent)
	defer listener.Close()

	if err := listener.Listen(postgres.ChangeChannel); err != nil {
		return err
	}
	s.logger.Info("listening for ride changes", "channel", postgres.ChangeChannel)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				observability.FeedReconnectsTotal.Inc()
				s.publish(ctx, Event{ID: uuid.New().String(), Op: OpResync, At: time.Now()})
				continue
			}
			s.handle(ctx, []byte(n.Extra))
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warn("change listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (s *PGSource) handle(ctx context.Context, payload []byte) {
	ev, err := UnmarshalEvent(payload)
	if err != nil {
		s.logger.Error("dropping malformed change notification", "error", err)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.publish(ctx, ev)
}

func (s *PGSource) publish(ctx context.Context, ev Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Error("publish change event", "event_id", ev.ID, "op", ev.Op, "error", err)
	}
}

func (s *PGSource) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Info("change listener connected")
	case pq.ListenerEventDisconnected:
		s.logger.Warn("change listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		s.logger.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("change listener connection attempt failed", "error", err)
	}
}
