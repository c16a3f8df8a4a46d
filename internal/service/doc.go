// Package service wires internal/store, internal/orderbook,
// internal/ledger, internal/matching and internal/eventbus behind a
// single OrderService, in the shape of the teacher's
// service/order_service.go: "the ONLY write entry point into the
// system." Every mutating operation named in §4 (place, cancel, amend,
// create_account, deposit, withdraw) goes through here so no caller can
// touch the book or ledger directly and skip a reservation or an
// event-bus publish.
package service
