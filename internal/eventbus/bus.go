package eventbus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "eventbus")

// nowFn is swappable in tests.
var nowFn = time.Now

// Envelope is the wire shape every message crosses the bus as, and the
// shape the transport/ws layer serializes verbatim to clients (§6).
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// dropPolicy governs what happens when a subscriber's queue is full.
type dropPolicy int

const (
	// dropOldest discards the queue's oldest message to make room —
	// correct for snapshot-style topics (orderbook, system) where only
	// the latest state matters.
	dropOldest dropPolicy = iota
	// disconnectSlow drops the subscriber instead of the message —
	// used for the trade tape, which §4.E requires never silently
	// lose an execution report for anyone still listening.
	disconnectSlow
)

func policyFor(topic string) dropPolicy {
	if strings.HasPrefix(topic, "trades:") {
		return disconnectSlow
	}
	return dropOldest
}

// envelopeType maps an internal bus topic to one of the fixed client-
// facing envelope types §4.E defines: orderbook, trade, trade_executed,
// orders_updated, latency, toast, error. Topics are an internal fanout
// detail (one per symbol for orderbook/trades); the envelope type is
// the stable contract a client actually switches on. trade_executed has
// no topic of its own — callers that need it publish it explicitly via
// PublishAs alongside the trade envelope on the same topic.
func envelopeType(topic string) string {
	switch {
	case strings.HasPrefix(topic, "orderbook:"):
		return "orderbook"
	case strings.HasPrefix(topic, "trades:"):
		return "trade"
	case topic == "notifications":
		return "orders_updated"
	case topic == "system":
		return "latency"
	default:
		return "toast"
	}
}

// Subscription is a single client's mailbox on one topic.
type Subscription struct {
	ID     string
	Topic  string
	C      <-chan Envelope
	ch     chan Envelope
	policy dropPolicy
}

// Sink is the durable outbox a Bus may forward every publish to,
// implemented by KafkaSink.
type Sink interface {
	Enqueue(topic string, env Envelope)
}

// Bus is the process-wide fanout: every internal/matching trade and
// book delta, and every periodic snapshot/heartbeat, flows through
// exactly one Bus.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	sink   Sink
}

func New(sink Sink) *Bus {
	return &Bus{topics: make(map[string]map[*Subscription]struct{}), sink: sink}
}

// Subscribe opens a mailbox of the given buffer size on topic.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Topic:  topic,
		ch:     make(chan Envelope, buffer),
		policy: policyFor(topic),
	}
	sub.C = sub.ch

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe closes sub's mailbox and removes it from its topic. Safe
// to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.topics[sub.Topic]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			close(sub.ch)
		}
	}
	b.mu.Unlock()
}

// Publish fans payload out to every current subscriber of topic and,
// if configured, forwards it to the durable outbox. The envelope's
// type is derived from topic via envelopeType.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.publish(topic, envelopeType(topic), payload)
}

// PublishAs fans payload out like Publish, but with an explicit
// envelope type instead of the one envelopeType would derive from
// topic. Used where one topic carries more than one envelope type —
// §4.D.1.iv requires a fill to produce both a trade and a
// trade_executed envelope on the same trades:{symbol} topic.
func (b *Bus) PublishAs(topic, typ string, payload interface{}) {
	b.publish(topic, typ, payload)
}

func (b *Bus) publish(topic, typ string, payload interface{}) {
	env := Envelope{Type: typ, Timestamp: nowFn(), Payload: payload}

	b.mu.RLock()
	var toDrop []*Subscription
	for sub := range b.topics[topic] {
		if !b.deliver(sub, env) {
			toDrop = append(toDrop, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range toDrop {
		log.WithFields(logrus.Fields{"topic": topic, "subscriber": sub.ID}).Warn("dropping slow subscriber")
		b.Unsubscribe(sub)
	}

	if b.sink != nil {
		b.sink.Enqueue(topic, env)
	}
}

// deliver attempts to place env in sub's mailbox, applying sub's
// policy on overflow. It returns false when the subscriber should be
// dropped entirely.
func (b *Bus) deliver(sub *Subscription, env Envelope) bool {
	select {
	case sub.ch <- env:
		return true
	default:
	}

	switch sub.policy {
	case dropOldest:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- env:
		default:
		}
		return true
	case disconnectSlow:
		return false
	default:
		return true
	}
}

// SubscriberCount reports how many mailboxes are open on topic, used
// by the periodic snapshot broadcaster to skip symbols nobody is
// watching.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
