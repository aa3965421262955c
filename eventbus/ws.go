// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Envelope is the wire format for the client event protocol (spec.md §6):
// a named event with a JSON payload, carried in both directions over a
// single websocket connection per client.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

// WSClient is a Sink backed by one websocket connection. Sends are
// non-blocking: a slow client drops frames (logged) rather than stalling
// the rest of the bus.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
}

// ID implements Sink.
func (c *WSClient) ID() string { return c.id }

// Send implements Sink.
func (c *WSClient) Send(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("eventbus: marshal payload failed", "event", event, "error", err)
		return
	}
	env := Envelope{Event: event, Payload: raw}
	select {
	case c.send <- env:
	case <-c.done:
	default:
		slog.Warn("eventbus: client send buffer full, dropping event", "client", c.id, "event", event)
	}
}

func (c *WSClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				slog.Warn("eventbus: websocket write failed", "client", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) readPump(dispatch func(clientID string, env Envelope)) {
	defer close(c.done)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		dispatch(c.id, env)
	}
}

// ServeWS upgrades r to a websocket connection, registers a WSClient with
// bus, and drives its read/write pumps until the connection closes; it then
// detaches the client from bus and calls onDisconnect. Inbound envelopes are
// handed to dispatch.
func ServeWS(bus *Bus, dispatch func(clientID string, env Envelope), onDisconnect func(clientID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("eventbus: websocket upgrade failed", "error", err)
			return
		}

		client := &WSClient{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan Envelope, wsSendBuffer),
			done: make(chan struct{}),
		}
		bus.Attach(client)
		slog.Info("eventbus: client connected", "client", client.id, "remote", r.RemoteAddr)

		go client.writePump()
		client.readPump(dispatch)

		bus.Detach(client.id)
		if onDisconnect != nil {
			onDisconnect(client.id)
		}
		slog.Info("eventbus: client disconnected", "client", client.id)
	}
}
