package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"oes/internal/eventbus"
	"oes/internal/session"
)

var log = logrus.WithField("component", "transport/ws")

// clientMessage is the inbound frame shape §6 defines: subscribe and
// unsubscribe carry a channel name; ping carries neither.
type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

var pongEnvelope = eventbus.Envelope{Type: "pong"}

// Handler upgrades HTTP connections to WebSocket and bridges each one
// to its own internal/session.Session.
type Handler struct {
	bus       *eventbus.Bus
	upgrader  websocket.Upgrader
	outBuffer int
}

func NewHandler(bus *eventbus.Bus) *Handler {
	return &Handler{
		bus:       bus,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		outBuffer: 256,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := session.New(h.bus, h.outBuffer)
	pong := make(chan struct{}, 1)
	done := make(chan struct{})

	go h.readLoop(conn, sess, pong, done)
	h.writeLoop(conn, sess, pong, done)

	sess.Close()
	_ = conn.Close()
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session, pong chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		sess.Touch()
		switch msg.Type {
		case "subscribe":
			if msg.Channel != "" {
				sess.Subscribe(msg.Channel)
			}
		case "unsubscribe":
			if msg.Channel != "" {
				sess.Unsubscribe(msg.Channel)
			}
		case "ping":
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, sess *session.Session, pong <-chan struct{}, done <-chan struct{}) {
	livenessCheck := time.NewTicker(10 * time.Second)
	defer livenessCheck.Stop()

	for {
		select {
		case env, ok := <-sess.Out():
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-pong:
			if err := conn.WriteJSON(pongEnvelope); err != nil {
				return
			}
		case <-livenessCheck.C:
			if sess.Expired() {
				return
			}
		case <-done:
			return
		}
	}
}
