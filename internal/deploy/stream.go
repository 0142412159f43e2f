// ABOUTME: Fan-out of deploy lifecycle events to subscribers of an app's deploy channel
// ABOUTME: Subscriptions are dropped automatically when the subscriber's Done channel closes

package deploy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/harbor-gateway/internal/metrics"
)

// EventType is stamped on every event the stream emits.
const EventType = "deploy_event"

// Subscriber receives deploy events. hub.Connection satisfies it.
type Subscriber interface {
	ConnID() string
	Send(v any) error
	Done() <-chan struct{}
}

// Stream provides pub/sub keyed by application name.
type Stream struct {
	mu      sync.RWMutex
	subs    map[string]map[string]Subscriber // app -> connID -> subscriber
	closed  chan struct{}
	once    sync.Once
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewStream creates a stream. Pass nil logger for default.
func NewStream(logger *slog.Logger, m *metrics.Metrics) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		subs:    make(map[string]map[string]Subscriber),
		closed:  make(chan struct{}),
		logger:  logger.With("component", "deploy_stream"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe adds sub to app's subscriber set until sub is done or Unsubscribe is called.
func (s *Stream) Subscribe(app string, sub Subscriber) {
	id := sub.ConnID()

	s.mu.Lock()
	if _, ok := s.subs[app]; !ok {
		s.subs[app] = make(map[string]Subscriber)
	}
	s.subs[app][id] = sub
	total := s.countLocked()
	s.mu.Unlock()

	s.metrics.SetSubscribers(total)
	s.logger.Debug("subscriber added", "app", app, "conn_id", id)

	go func() {
		select {
		case <-sub.Done():
			s.Unsubscribe(app, id)
		case <-s.closed:
		}
	}()
}

// Unsubscribe removes one subscriber. The app entry goes away with its last subscriber.
func (s *Stream) Unsubscribe(app, id string) {
	s.mu.Lock()
	subs, ok := s.subs[app]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, exists := subs[id]; !exists {
		s.mu.Unlock()
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.subs, app)
	}
	total := s.countLocked()
	s.mu.Unlock()

	s.metrics.SetSubscribers(total)
	s.logger.Debug("subscriber removed", "app", app, "conn_id", id)
}

// Broadcast stamps event with type, app and timestamp and sends it to every
// subscriber of app. Returns the number of subscribers that accepted it.
func (s *Stream) Broadcast(app string, event map[string]any) int {
	msg := make(map[string]any, len(event)+3)
	for k, v := range event {
		msg[k] = v
	}
	msg["type"] = EventType
	msg["app"] = app
	msg["timestamp"] = s.now().Format(time.RFC3339Nano)

	return s.send(app, msg, "")
}

// Relay sends v unchanged to every subscriber of app except excludeID.
func (s *Stream) Relay(app string, v any, excludeID string) int {
	return s.send(app, v, excludeID)
}

func (s *Stream) send(app string, v any, excludeID string) int {
	s.mu.RLock()
	subs, ok := s.subs[app]
	if !ok || len(subs) == 0 {
		s.mu.RUnlock()
		return 0
	}
	targets := make([]Subscriber, 0, len(subs))
	for id, sub := range subs {
		if excludeID != "" && id == excludeID {
			continue
		}
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	sent := 0
	for _, sub := range targets {
		if err := sub.Send(v); err != nil {
			s.logger.Debug("skipped deploy subscriber", "app", app, "conn_id", sub.ConnID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Log emits a free-text progress line.
func (s *Stream) Log(app, message, level string) int {
	if level == "" {
		level = "info"
	}
	return s.Broadcast(app, map[string]any{
		"event":   "log",
		"message": message,
		"level":   level,
	})
}

// Status emits a lifecycle transition. Keys in details are merged into the event.
func (s *Stream) Status(app, status string, details map[string]any) int {
	event := make(map[string]any, len(details)+2)
	for k, v := range details {
		event[k] = v
	}
	event["event"] = "status"
	event["status"] = status
	return s.Broadcast(app, event)
}

// Subscribers returns the number of subscribers for app.
func (s *Stream) Subscribers(app string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[app])
}

// Count returns the total number of subscriptions.
func (s *Stream) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked()
}

// Channels returns subscriber counts keyed by app name.
func (s *Stream) Channels() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.subs))
	for app, subs := range s.subs {
		out[app] = len(subs)
	}
	return out
}

// Close drops every subscription. Subscribers themselves are not closed.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.closed) })

	s.mu.Lock()
	s.subs = make(map[string]map[string]Subscriber)
	s.mu.Unlock()

	s.metrics.SetSubscribers(0)
	s.logger.Debug("deploy stream closed")
}

func (s *Stream) countLocked() int {
	n := 0
	for _, subs := range s.subs {
		n += len(subs)
	}
	return n
}
