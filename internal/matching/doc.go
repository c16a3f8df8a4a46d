// Package matching implements §4.D: the continuous double-auction
// crossing loop, run dark-venue-first with fallback to the lit book,
// plus the periodic tick that recovers from a dropped wake-up.
//
// The crossing rule itself is a direct generalization of the teacher's
// domain/orderbook/order_book.go matchBid/matchAsk loops (best-price
// peek, min(remaining) fill, pop the resting order when exhausted) to
// two venues and an account-aware fill path. The dark-before-lit
// preference and the maker-gets-its-own-price rule are confirmed
// against original_source/app/matching_engine.py and order_book.py.
package matching
