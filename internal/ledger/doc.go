// Package ledger implements §4.C: accounts, positions, and an
// append-only transaction log, with reservation semantics that hold
// cash (for buys) or position units (for sells) while an order rests in
// the book.
//
// All mutations for a given account are serialized through
// store.Store.CAS keyed by "acct:"+accountID — the same single-writer
// discipline internal/orderbook uses per order id — so a reservation is
// never observed half-applied.
package ledger
