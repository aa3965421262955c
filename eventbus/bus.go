// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus implements spec.md's C5, the client registry and event
// bus: it tracks the connected client sessions, fans events out to them, and
// remembers each client's "last command" so a solicited reply can be routed
// back to whoever asked for it. Which clients are attached to which port is
// kept by each Session, not by the bus.
package eventbus

import (
	"log/slog"
	"strings"
	"sync"
)

// Sink is how the bus delivers an event to one client. Implementations
// (e.g. the websocket adapter in ws.go) must not block for long in Send —
// a slow client must never stall delivery to the rest.
type Sink interface {
	ID() string
	Send(event string, payload any)
}

// binding is spec.md §3's ClientBinding: a sink plus the most recent raw
// payload this client sent via serialport:write, used to route solicited
// replies back to the originator.
type binding struct {
	sink Sink

	mu          sync.Mutex
	lastCommand string
}

// Bus is the process-wide client registry and fan-out point, shared by all
// Sessions. It is safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	clients map[string]*binding
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{clients: make(map[string]*binding)}
}

// Attach registers sink under its own ID, replacing any prior binding for
// the same ID.
func (b *Bus) Attach(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[sink.ID()] = &binding{sink: sink}
}

// Detach removes a client. A no-op if the client is not attached.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, id)
}

// Count returns the number of attached clients.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// IDs returns the currently attached client IDs.
func (b *Bus) IDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast delivers event/payload to every attached client.
func (b *Bus) Broadcast(event string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		c.sink.Send(event, payload)
	}
}

// Unicast delivers event/payload to a single client. Reports whether the
// client was attached.
func (b *Bus) Unicast(id string, event string, payload any) bool {
	b.mu.RLock()
	c, ok := b.clients[id]
	b.mu.RUnlock()
	if !ok {
		slog.Warn("eventbus: unicast to unknown client", "client", id, "event", event)
		return false
	}
	c.sink.Send(event, payload)
	return true
}

// SetLastCommand records payload as id's most recent serialport:write.
func (b *Bus) SetLastCommand(id string, payload string) {
	b.mu.RLock()
	c, ok := b.clients[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.lastCommand = payload
	c.mu.Unlock()
}

// ClearLastCommand clears id's last-command tag once its reply has been
// delivered.
func (b *Bus) ClearLastCommand(id string) {
	b.mu.RLock()
	c, ok := b.clients[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.lastCommand = ""
	c.mu.Unlock()
}

// ForEachLastCommand calls fn for every attached client whose last_command
// is non-empty, passing its id and last_command.
func (b *Bus) ForEachLastCommand(fn func(id string, lastCommand string)) {
	b.mu.RLock()
	snapshot := make([]*binding, 0, len(b.clients))
	ids := make([]string, 0, len(b.clients))
	for id, c := range b.clients {
		snapshot = append(snapshot, c)
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for i, c := range snapshot {
		c.mu.Lock()
		lc := c.lastCommand
		c.mu.Unlock()
		if lc != "" {
			fn(ids[i], lc)
		}
	}
}

// ForEachWithLastCommandPrefix is a convenience wrapper around
// ForEachLastCommand that only calls fn for clients whose last_command has
// the given prefix (e.g. "?" or "$G").
func (b *Bus) ForEachWithLastCommandPrefix(prefix string, fn func(id string)) {
	b.ForEachLastCommand(func(id string, lastCommand string) {
		if strings.HasPrefix(lastCommand, prefix) {
			fn(id)
		}
	})
}

// ForEachWithExactLastCommand is like ForEachWithLastCommandPrefix but
// requires an exact match (used for routing "?" status replies).
func (b *Bus) ForEachWithExactLastCommand(want string, fn func(id string)) {
	b.ForEachLastCommand(func(id string, lastCommand string) {
		if lastCommand == want {
			fn(id)
		}
	})
}
