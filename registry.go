// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"path/filepath"
	"sync"

	"grbl-bridge/eventbus"
)

// Registry is the process-wide port -> Session map (spec.md §3, §9
// "Process-wide registry"). It is an explicit value threaded through the
// Router rather than ambient package state, per spec.md §9's re-architecture
// note; a single mutex guards attach/detach/list, matching the minimal
// concurrency spec.md §5 asks for.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	bus      *eventbus.Bus
	logDir   string
}

// NewRegistry creates an empty registry. bus is the process-wide client bus
// shared by every Session; each Session scopes its broadcasts to the clients
// attached to its own port.
func NewRegistry(bus *eventbus.Bus, logDir string) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		bus:      bus,
		logDir:   logDir,
	}
}

// getOrCreate returns the existing Session for port, or creates a new
// Closed one.
func (r *Registry) getOrCreate(port string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[port]; ok {
		return s
	}
	s := newSession(port, r.bus, r.remove, filepath.Join(r.logDir, sanitizePortForPath(port)))
	r.sessions[port] = s
	return s
}

// get returns the Session for port if one exists.
func (r *Registry) get(port string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[port]
	return s, ok
}

// remove deletes port's Session entry. Passed to Session as its teardown
// callback; the router's close(port) path reaches it through
// Session.closeTransport once the last client has detached.
func (r *Registry) remove(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, port)
}

// DetachClientFromAll removes clientID from every session's attached set
// (spec.md §4.5, "on client disconnect the registry removes that client
// from every session"). It does not close any transport — a session whose
// client set becomes empty this way stays open until an explicit close(port)
// arrives.
func (r *Registry) DetachClientFromAll(clientID string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.detachClient(clientID)
	}
}

// Ports returns every port with a live Session, for `list`'s inuse check.
func (r *Registry) Ports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]string, 0, len(r.sessions))
	for p := range r.sessions {
		ports = append(ports, p)
	}
	return ports
}

// sanitizePortForPath turns a device name like "/dev/ttyUSB0" into a bare
// path component for the per-port log directory.
func sanitizePortForPath(port string) string {
	out := make([]rune, 0, len(port))
	for _, r := range port {
		switch r {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
