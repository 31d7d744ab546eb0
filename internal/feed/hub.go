package feed

import (
	"context"
	"log/slog"
	"sync"

	"campusride/internal/logging"
	"campusride/internal/observability"
)

// DefaultBuffer is the per-subscriber event buffer used when none is given.
const DefaultBuffer = 64

// Hub is an in-process Feed. Publish never blocks: a subscriber whose
// buffer is full is disconnected with ErrLagged instead of losing events
// silently.
type Hub struct {
	mu     sync.Mutex
	subs   map[*hubSubscription]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

// NewHub creates a Hub with the given per-subscriber buffer size.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*hubSubscription]struct{}),
		buffer: buffer,
		logger: logging.OrDiscard(logger),
	}
}

// Subscribe registers a subscriber. The subscription ends when ctx is done,
// when Close is called, or when the subscriber lags.
func (h *Hub) Subscribe(ctx context.Context, pred Predicate) (Subscription, error) {
	if pred == nil {
		pred = All()
	}

	sub := &hubSubscription{
		hub:  h,
		pred: pred,
		ch:   make(chan Event, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	observability.FeedSubscribers.Inc()
	sub.stop = context.AfterFunc(ctx, func() { h.remove(sub, ctx.Err()) })
	return sub, nil
}

// Publish delivers ev to every matching subscriber.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	observability.FeedEventsTotal.Inc()
	for sub := range h.subs {
		if ev.Op != OpResync && !sub.pred(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("feed subscriber lagged", "buffer", h.buffer)
			observability.FeedLaggedTotal.Inc()
			h.removeLocked(sub, ErrLagged)
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription with ErrClosed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		h.removeLocked(sub, ErrClosed)
	}
}

func (h *Hub) remove(sub *hubSubscription, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, err)
}

func (h *Hub) removeLocked(sub *hubSubscription, err error) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	sub.err = err
	close(sub.ch)
	observability.FeedSubscribers.Dec()
}

type hubSubscription struct {
	hub  *Hub
	pred Predicate
	ch   chan Event
	stop func() bool

	// err is written under hub.mu before ch is closed.
	err error
}

func (s *hubSubscription) Events() <-chan Event {
	return s.ch
}

func (s *hubSubscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *hubSubscription) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.hub.remove(s, nil)
	return nil
}
