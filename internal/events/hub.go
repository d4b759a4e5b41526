package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// sinkTimeout bounds a single Sink.Send call.
const sinkTimeout = 5 * time.Second

// Sink forwards events outside of the process, e.g. to a message broker.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt Event) error
}

// Subscription receives the events of one session.
type Subscription struct {
	SessionID int64

	id      uint64
	ch      chan Event
	hub     *Hub
	dropped atomic.Int64
}

// Events returns the channel of the subscription. It is closed by Close or
// when the hub shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were lost because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type sinkWorker struct {
	sink Sink
	ch   chan Event
	done chan struct{}
}

// HubStats are cumulative delivery counters.
type HubStats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Hub fans out events to the subscribers of their session and to sinks.
// Publish never blocks: a subscriber or sink whose buffer is full misses
// the event.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]map[uint64]*Subscription
	sinks  []*sinkWorker
	nextID uint64
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer: buffer,
		logger: logger.With("component", "events"),
		subs:   make(map[int64]map[uint64]*Subscription),
	}
}

// Subscribe opens a channel for the events of one session. On a closed hub
// the returned subscription's channel is already closed.
func (h *Hub) Subscribe(sessionID int64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		SessionID: sessionID,
		id:        h.nextID,
		ch:        make(chan Event, h.buffer),
		hub:       h,
	}
	if h.closed {
		close(s.ch)
		return s
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]*Subscription)
	}
	h.subs[sessionID][s.id] = s
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	session := h.subs[s.SessionID]
	if _, ok := session[s.id]; !ok {
		return
	}
	delete(session, s.id)
	if len(session) == 0 {
		delete(h.subs, s.SessionID)
	}
	close(s.ch)
}

// Subscribers returns the number of open subscriptions of a session.
func (h *Hub) Subscribers(sessionID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// AddSink starts forwarding every event to the sink.
func (h *Hub) AddSink(sink Sink) {
	w := &sinkWorker{
		sink: sink,
		ch:   make(chan Event, h.buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.sinks = append(h.sinks, w)
	h.mu.Unlock()

	go h.runSink(w)
	h.logger.Info("event sink registered", "sink", sink.Name())
}

func (h *Hub) runSink(w *sinkWorker) {
	defer close(w.done)
	for evt := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := w.sink.Send(ctx, evt); err != nil {
			h.logger.Warn("event sink failed",
				"sink", w.sink.Name(), "type", evt.Type, "session_id", evt.SessionID, "error", err)
		}
		cancel()
	}
}

// Publish delivers the event and returns how many subscribers received it.
func (h *Hub) Publish(evt Event) int {
	if evt.ID == "" || evt.Timestamp.IsZero() {
		stamped := New(evt.Type, evt.SessionID, evt.Payload)
		if evt.ID != "" {
			stamped.ID = evt.ID
		}
		if !evt.Timestamp.IsZero() {
			stamped.Timestamp = evt.Timestamp
		}
		evt = stamped
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	h.published.Add(1)

	n := 0
	for _, s := range h.subs[evt.SessionID] {
		select {
		case s.ch <- evt:
			n++
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	h.delivered.Add(uint64(n))

	for _, w := range h.sinks {
		select {
		case w.ch <- evt:
		default:
			h.dropped.Add(1)
			h.logger.Debug("event dropped for full sink", "sink", w.sink.Name(), "type", evt.Type)
		}
	}
	return n
}

// Stats returns the delivery counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Close closes every subscription, flushes the sinks and rejects further
// events.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, session := range h.subs {
		for _, s := range session {
			close(s.ch)
		}
	}
	h.subs = make(map[int64]map[uint64]*Subscription)
	sinks := h.sinks
	h.sinks = nil
	for _, w := range sinks {
		close(w.ch)
	}
	h.mu.Unlock()

	for _, w := range sinks {
		<-w.done
	}
}
