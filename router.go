// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"log/slog"

	"grbl-bridge/eventbus"
)

// Router is C7: the inbound client event -> action table of spec.md §4.7,
// wired against a Registry (C4 sessions) and the shared eventbus.Bus (C5).
type Router struct {
	reg    *Registry
	bus    *eventbus.Bus
	config *Config
}

// NewRouter wires a Router over reg using config's extra-ports list for
// `list`.
func NewRouter(reg *Registry, bus *eventbus.Bus, config *Config) *Router {
	return &Router{reg: reg, bus: bus, config: config}
}

type openPayload struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type portPayload struct {
	Port string `json:"port"`
}

type writePayload struct {
	Port string `json:"port"`
	Msg  string `json:"msg"`
}

// Dispatch implements eventbus's dispatch callback signature (see
// eventbus.ServeWS): route one decoded client envelope to its C7 action.
func (rt *Router) Dispatch(clientID string, env eventbus.Envelope) {
	switch env.Event {
	case "list":
		rt.handleList(clientID)
	case "open":
		rt.handleOpen(clientID, env.Payload)
	case "close":
		rt.handleClose(clientID, env.Payload)
	case "serialport:write":
		rt.handleWrite(clientID, env.Payload)
	case "gcode:run":
		rt.handleGcode(env.Payload, (*Session).run)
	case "gcode:pause":
		rt.handleGcode(env.Payload, (*Session).pause)
	case "gcode:stop":
		rt.handleGcode(env.Payload, (*Session).stop)
	case "gcode:unload":
		rt.handleGcode(env.Payload, (*Session).unload)
	default:
		slog.Warn("router: unknown event", "event", env.Event, "client", clientID)
	}
}

// OnDisconnect implements eventbus.ServeWS's onDisconnect callback: remove
// clientID from every session it was attached to (spec.md §4.5).
func (rt *Router) OnDisconnect(clientID string) {
	rt.reg.DetachClientFromAll(clientID)
}

func (rt *Router) handleList(clientID string) {
	devices, err := listSerialPorts()
	if err != nil {
		slog.Warn("router: list serial ports failed", "error", err)
		devices = nil
	}

	seen := make(map[string]bool, len(devices))
	type portInfo struct {
		Port  string `json:"port"`
		InUse bool   `json:"inuse"`
	}
	var out []portInfo
	addPort := func(p string) {
		if seen[p] {
			return
		}
		seen[p] = true
		_, inuse := rt.reg.get(p)
		out = append(out, portInfo{Port: p, InUse: inuse})
	}
	for _, p := range devices {
		addPort(p)
	}
	for _, p := range rt.config.ExtraDevices() {
		addPort(p)
	}

	rt.bus.Unicast(clientID, "serialport:list", out)
}

func (rt *Router) handleOpen(clientID string, raw json.RawMessage) {
	var req openPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.Port == "" {
		slog.Warn("router: malformed open payload", "client", clientID, "error", err)
		return
	}
	baud := req.Baud
	if baud == 0 {
		baud = rt.config.DefaultBaud(req.Port, 115200)
	}

	s := rt.reg.getOrCreate(req.Port)
	s.attachClient(clientID)

	if s.isOpen() {
		rt.bus.Unicast(clientID, "serialport:open", map[string]any{
			"port":     req.Port,
			"baudrate": baud,
			"inuse":    true,
		})
		return
	}

	if err := s.open(baud, clientID); err != nil {
		slog.Warn("router: open failed", "port", req.Port, "error", err)
	}
}

func (rt *Router) handleClose(clientID string, raw json.RawMessage) {
	var req portPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.Port == "" {
		slog.Warn("router: malformed close payload", "client", clientID, "error", err)
		return
	}
	s, ok := rt.reg.get(req.Port)
	if !ok {
		rt.bus.Unicast(clientID, "serialport:close", map[string]any{"port": req.Port, "inuse": false})
		return
	}

	remaining := s.detachClient(clientID)
	if remaining == 0 {
		s.closeTransport()
	}
	rt.bus.Unicast(clientID, "serialport:close", map[string]any{"port": req.Port, "inuse": remaining > 0})
}

func (rt *Router) handleWrite(clientID string, raw json.RawMessage) {
	var req writePayload
	if err := json.Unmarshal(raw, &req); err != nil || req.Port == "" {
		slog.Warn("router: malformed serialport:write payload", "client", clientID, "error", err)
		return
	}
	s, ok := rt.reg.get(req.Port)
	if !ok {
		slog.Warn("router: serialport:write on unknown port, dropped", "port", req.Port)
		return
	}
	if err := s.writeRaw(clientID, req.Msg); err != nil {
		slog.Warn("router: serialport:write dropped, port not open", "port", req.Port, "error", err)
	}
}

// handleGcode is shared by run/pause/stop/unload: all four require an open
// transport and act on the named Session method; failures log and drop
// silently per spec.md §4.7.
func (rt *Router) handleGcode(raw json.RawMessage, action func(*Session)) {
	var req portPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.Port == "" {
		slog.Warn("router: malformed gcode payload", "error", err)
		return
	}
	s, ok := rt.reg.get(req.Port)
	if !ok || !s.isOpen() {
		slog.Warn("router: gcode command on unopened port, dropped", "port", req.Port)
		return
	}
	action(s)
}
