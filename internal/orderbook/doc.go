// Package orderbook implements §4.B: two price-time priority books per
// symbol (lit and dark), each with bids and asks, backed by the ordered
// sets in internal/store. A resting order's position in its sorted set
// is derived entirely from its score (price, negated for bids so a
// single ascending range scan gives "best first" on either side) and a
// monotonic sequence number that breaks ties in insertion order.
//
// The sorted set and the order's hash record are kept consistent by
// routing every mutation of a given order id through store.Store.CAS,
// the same single-writer-per-key discipline the teacher used for its
// exit-WAL outbox.
package orderbook
