package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"oes/internal/eventbus"
)

var log = logrus.WithField("component", "session")

// PingTimeout is how long a session may go without a pong before the
// transport layer should treat it as dead (§4.F).
const PingTimeout = 30 * time.Second

// Session is one connected client's subscription set and outbound
// mailbox, transport-agnostic so internal/transport/ws is a thin
// adapter over it.
type Session struct {
	ID  string
	bus *eventbus.Bus

	mu       sync.Mutex
	subs     map[string]*eventbus.Subscription
	lastSeen time.Time
	closed   bool

	out chan eventbus.Envelope
}

// New opens a session with a merged outbound queue of the given
// buffer size (per-topic subscription buffers are separate, 64 entries
// each — see Subscribe).
func New(bus *eventbus.Bus, outBuffer int) *Session {
	return &Session{
		ID:       uuid.NewString(),
		bus:      bus,
		subs:     make(map[string]*eventbus.Subscription),
		lastSeen: time.Now(),
		out:      make(chan eventbus.Envelope, outBuffer),
	}
}

// Out is the single channel a transport reads to get every message
// across every topic this session has subscribed to.
func (s *Session) Out() <-chan eventbus.Envelope { return s.out }

// Subscribe joins topic, idempotently — subscribing twice to the same
// topic is a no-op, matching §4.F's "subscribe/unsubscribe are
// idempotent."
func (s *Session) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.subs[topic]; ok {
		return
	}
	sub := s.bus.Subscribe(topic, 64)
	s.subs[topic] = sub
	go s.pump(sub)
}

// Unsubscribe leaves topic. A no-op if not currently subscribed.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	if ok {
		delete(s.subs, topic)
	}
	s.mu.Unlock()
	if ok {
		s.bus.Unsubscribe(sub)
	}
}

// pump forwards one topic subscription's mailbox into the session's
// merged outbound queue until the bus closes it (on Unsubscribe or a
// disconnected-slow-subscriber drop).
func (s *Session) pump(sub *eventbus.Subscription) {
	for env := range sub.C {
		select {
		case s.out <- env:
		default:
			log.WithField("session", s.ID).Warn("session outbound queue full, dropping message")
		}
	}
}

// Touch records a pong (or any other liveness signal) from the client.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Expired reports whether the session has gone silent longer than
// PingTimeout.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen) > PingTimeout
}

// Close unsubscribes from every topic and releases the outbound queue.
// Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
	close(s.out)
}
