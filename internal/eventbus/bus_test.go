package eventbus

import (
	"testing"
)

func TestSubscribePublishDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("system", 4)

	b.Publish("system", "hello")

	select {
	case env := <-sub.C:
		if env.Payload != "hello" {
			t.Fatalf("payload = %v, want hello", env.Payload)
		}
		if env.Type != "latency" {
			t.Fatalf("type = %q, want latency", env.Type)
		}
	default:
		t.Fatal("expected a message on the subscription channel")
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("system", 4)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // must not panic on double-close

	b.Publish("system", "hello")

	if _, ok := <-sub.C; ok {
		t.Fatal("expected channel closed with no pending message")
	}
}

func TestSubscriberCountTracksOpenSubscriptions(t *testing.T) {
	b := New(nil)
	if got := b.SubscriberCount("system"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	sub1 := b.Subscribe("system", 4)
	sub2 := b.Subscribe("system", 4)
	if got := b.SubscriberCount("system"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	b.Unsubscribe(sub1)
	if got := b.SubscriberCount("system"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	b.Unsubscribe(sub2)
}

func TestSnapshotTopicDropsOldestOnFullQueue(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("orderbook:AAPL", 1)

	b.Publish("orderbook:AAPL", "first")
	b.Publish("orderbook:AAPL", "second")

	env := <-sub.C
	if env.Payload != "second" {
		t.Fatalf("payload = %v, want second (oldest dropped to make room)", env.Payload)
	}
	if got := b.SubscriberCount("orderbook:AAPL"); got != 1 {
		t.Fatalf("count = %d, want 1 (dropOldest never disconnects)", got)
	}
}

func TestTradeTopicDisconnectsSlowSubscriberInsteadOfDroppingMessage(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("trades:AAPL", 1)

	b.Publish("trades:AAPL", "first")
	b.Publish("trades:AAPL", "second") // queue full -> subscriber must be dropped, not the trade

	if got := b.SubscriberCount("trades:AAPL"); got != 0 {
		t.Fatalf("count = %d, want 0 (slow trade subscriber disconnected)", got)
	}

	env, ok := <-sub.C
	if !ok || env.Payload != "first" {
		t.Fatalf("expected the first trade to have been delivered before disconnect, got %+v ok=%v", env, ok)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected channel closed after disconnect")
	}
}

type recordingSink struct {
	topics []string
}

func (s *recordingSink) Enqueue(topic string, env Envelope) {
	s.topics = append(s.topics, topic)
}

func TestPublishForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink)
	b.Publish("trades:AAPL", "x")
	if len(sink.topics) != 1 || sink.topics[0] != "trades:AAPL" {
		t.Fatalf("sink topics = %v, want [trades:AAPL]", sink.topics)
	}
}

func TestPublishAsOverridesDerivedEnvelopeType(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("trades:AAPL", 4)

	b.PublishAs("trades:AAPL", "trade", "fill-1")
	b.PublishAs("trades:AAPL", "trade_executed", "fill-1")

	first := <-sub.C
	second := <-sub.C
	if first.Type != "trade" || second.Type != "trade_executed" {
		t.Fatalf("types = %q, %q, want trade, trade_executed", first.Type, second.Type)
	}
}

func TestEnvelopeTypeMapsKnownTopicsToFixedEnum(t *testing.T) {
	cases := map[string]string{
		"orderbook:AAPL": "orderbook",
		"trades:AAPL":    "trade",
		"notifications":  "orders_updated",
		"system":         "latency",
		"something-else": "toast",
	}
	for topic, want := range cases {
		if got := envelopeType(topic); got != want {
			t.Fatalf("envelopeType(%q) = %q, want %q", topic, got, want)
		}
	}
}
