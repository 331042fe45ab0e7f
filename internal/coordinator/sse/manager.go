// Package sse fans lifecycle events out to Server-Sent-Event subscribers.
// Every frame carries a process-wide monotone ID; subscribers may filter to
// a single session. Delivery is best-effort: a subscriber that stops
// draining its queue is dropped, and clients needing replay re-fetch the
// session's events over the REST surface.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/logger"
)

// Event type names on the wire.
const (
	EventRunCreated     = "run_created"
	EventSessionRunning = "session_running"
	EventSessionEvent   = "session_event"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventRunStopped     = "run_stopped"
)

// typeAbbrev keeps frame IDs short while staying distinguishable in logs.
var typeAbbrev = map[string]string{
	EventRunCreated:     "rc",
	EventSessionRunning: "sr",
	EventSessionEvent:   "se",
	EventRunCompleted:   "rd",
	EventRunFailed:      "rf",
	EventRunStopped:     "rs",
}

// Frame is one formatted SSE emission.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// WriteTo writes the frame in wire format.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", f.ID, f.Event, f.Data)
	return int64(n), err
}

// subscriberQueueSize bounds the per-connection buffer. A full queue means
// the client is not reading; the connection is declared dead.
const subscriberQueueSize = 64

type subscriber struct {
	id            string
	sessionFilter string
	frames        chan Frame
	dead          bool
}

// Manager is the fan-out hub.
type Manager struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	lastMS int64
	seq    int
	logger *logger.Logger
}

// NewManager creates an empty Manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		subs:   make(map[string]*subscriber),
		logger: log.WithFields(zap.String("component", "sse")),
	}
}

// Subscription is a registered SSE connection.
type Subscription struct {
	id      string
	manager *Manager
	frames  <-chan Frame
}

// Frames returns the subscriber's ordered frame queue.
func (s *Subscription) Frames() <-chan Frame { return s.frames }

// Close removes the subscription from the manager.
func (s *Subscription) Close() { s.manager.unsubscribe(s.id) }

// Subscribe registers a connection. An empty sessionFilter receives every
// event; otherwise only frames for that session are delivered.
func (m *Manager) Subscribe(sessionFilter string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &subscriber{
		id:            uuid.New().String(),
		sessionFilter: sessionFilter,
		frames:        make(chan Frame, subscriberQueueSize),
	}
	m.subs[sub.id] = sub
	m.logger.Debug("sse subscriber added",
		zap.String("connection_id", sub.id),
		zap.String("session_filter", sessionFilter))
	return &Subscription{id: sub.id, manager: m, frames: sub.frames}
}

func (m *Manager) unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(sub.frames)
	}
}

// SubscriberCount returns the number of live connections.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Broadcast formats a frame and enqueues it on every matching subscriber.
// Enqueue never blocks; a subscriber with a full queue is marked dead and
// reaped. sessionID may be empty for events with no session scope.
func (m *Manager) Broadcast(eventType string, data interface{}, sessionID string) {
	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("failed to encode sse payload",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	frame := Frame{ID: m.nextIDLocked(eventType), Event: eventType, Data: payload}

	var reap []string
	for id, sub := range m.subs {
		if sub.sessionFilter != "" && sub.sessionFilter != sessionID {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
			sub.dead = true
			reap = append(reap, id)
		}
	}
	for _, id := range reap {
		sub := m.subs[id]
		delete(m.subs, id)
		close(sub.frames)
		m.logger.Warn("dropped slow sse subscriber", zap.String("connection_id", id))
	}
}

// nextIDLocked issues the next frame ID: millisecond timestamp, a short
// event-type tag, and the ordinal within that millisecond. IDs are strictly
// increasing for the life of the process.
func (m *Manager) nextIDLocked(eventType string) string {
	ms := time.Now().UnixMilli()
	if ms <= m.lastMS {
		// Same millisecond (or a clock step backwards): keep counting so
		// ordering never regresses.
		ms = m.lastMS
		m.seq++
	} else {
		m.lastMS = ms
		m.seq = 0
	}
	tag, ok := typeAbbrev[eventType]
	if !ok {
		tag = "ev"
	}
	return fmt.Sprintf("%d-%s-%d", ms, tag, m.seq)
}
