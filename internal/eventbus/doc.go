// Package eventbus implements §4.E: topic-based publish/subscribe over
// the order book, trade tape, notifications and system channels, with
// bounded per-subscriber queues and a periodic snapshot/heartbeat
// broadcaster.
//
// The hub shape (a set of subscriber channels per topic, best-effort
// send) is grounded on realmfikri-Limitless's server/hub.go generic
// hub. The periodic-tick broadcaster loop (ticker + context.Done,
// best-effort send with retry next tick) and the durable Kafka outbox
// are grounded on the teacher's jobs/broadcaster/broadcaster.go.
package eventbus
