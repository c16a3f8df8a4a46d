// Package store is the key-value abstraction described in §4.A: ordered
// sets keyed by (symbol, side, venue) for price-time priority, hash
// records keyed by entity id, and a publish/subscribe primitive for the
// event bus. It is backed by github.com/cockroachdb/pebble, the same
// embedded store the teacher used for its exit-WAL outbox
// (infra/wal/exit/wal.go): pebble.Open, db.Set with pebble.Sync, and
// db.NewIter with LowerBound/UpperBound for ordered range scans.
//
// Every mutating operation here is safe to call concurrently; ordered-set
// membership and the companion hash record are kept consistent by routing
// all writes to a given order id through a single per-id mutex, which
// doubles as the compare-and-set primitive §4.A asks for (Consume).
package store
