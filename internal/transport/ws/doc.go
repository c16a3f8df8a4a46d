// Package ws is the §6 bidirectional framed-JSON edge: a thin
// gorilla/websocket adapter over internal/session. Grounded on
// realmfikri-Limitless's server/server.go (websocket.Upgrader,
// one reader goroutine, one writer goroutine per connection) but
// generalized from that teacher's two fixed streams (trades, book) to
// an arbitrary client-driven subscribe/unsubscribe protocol.
package ws
