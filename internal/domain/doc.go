// Package domain holds the core entities of the order entry system —
// accounts, positions, transactions, orders, trades — and the error
// taxonomy shared by every other package. It has no dependency on the
// store, the matching engine, or any transport.
package domain
