// Package session tracks one connected client's subscription set,
// outbound queue and liveness, independent of the transport that
// carries it (internal/transport/ws today). Modeled on the
// subscription bookkeeping in eventbus but scoped per-client rather
// than per-topic.
package session
