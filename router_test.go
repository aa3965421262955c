// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"testing"

	"grbl-bridge/eventbus"
)

type capturingSink struct {
	id    string
	calls []struct {
		event   string
		payload any
	}
}

func (c *capturingSink) ID() string { return c.id }
func (c *capturingSink) Send(event string, payload any) {
	c.calls = append(c.calls, struct {
		event   string
		payload any
	}{event, payload})
}

func newTestRouter(t *testing.T) (*Router, *eventbus.Bus, *Registry) {
	t.Helper()
	bus := eventbus.New()
	reg := NewRegistry(bus, t.TempDir())
	router := NewRouter(reg, bus, &Config{})
	return router, bus, reg
}

func TestRouterCloseOnUnknownPortRepliesNotInUse(t *testing.T) {
	router, bus, _ := newTestRouter(t)
	client := &capturingSink{id: "c1"}
	bus.Attach(client)

	router.Dispatch("c1", eventbus.Envelope{Event: "close", Payload: mustJSON(t, portPayload{Port: "/dev/ghost"})})

	if len(client.calls) != 1 || client.calls[0].event != "serialport:close" {
		t.Fatalf("calls = %+v, want one serialport:close reply", client.calls)
	}
	payload, ok := client.calls[0].payload.(map[string]any)
	if !ok || payload["inuse"] != false {
		t.Errorf("payload = %+v, want inuse:false", client.calls[0].payload)
	}
}

func TestRouterWriteOnUnknownPortIsDroppedSilently(t *testing.T) {
	router, bus, _ := newTestRouter(t)
	client := &capturingSink{id: "c1"}
	bus.Attach(client)

	router.Dispatch("c1", eventbus.Envelope{Event: "serialport:write", Payload: mustJSON(t, writePayload{Port: "/dev/ghost", Msg: "?"})})

	if len(client.calls) != 0 {
		t.Errorf("calls = %+v, want no reply for a write to an unknown port", client.calls)
	}
}

func TestRouterGcodeRunOnUnopenedPortIsDroppedSilently(t *testing.T) {
	router, _, reg := newTestRouter(t)
	reg.getOrCreate("/dev/ghost") // created but never opened

	router.Dispatch("c1", eventbus.Envelope{Event: "gcode:run", Payload: mustJSON(t, portPayload{Port: "/dev/ghost"})})

	s, _ := reg.get("/dev/ghost")
	if len(s.jobs.List()) != 0 {
		t.Errorf("expected no job to start on an unopened port")
	}
}

func TestRouterMalformedPayloadDoesNotPanic(t *testing.T) {
	router, _, _ := newTestRouter(t)
	router.Dispatch("c1", eventbus.Envelope{Event: "open", Payload: json.RawMessage(`not json`)})
	router.Dispatch("c1", eventbus.Envelope{Event: "gcode:run", Payload: json.RawMessage(`{}`)})
	router.Dispatch("c1", eventbus.Envelope{Event: "unknown:event", Payload: nil})
}

func TestRouterOnDisconnectDetachesFromEverySession(t *testing.T) {
	router, _, reg := newTestRouter(t)
	s := reg.getOrCreate("/dev/ttyUSB0")
	s.attachClient("c1")

	router.OnDisconnect("c1")

	if s.isAttached("c1") {
		t.Errorf("client still attached after OnDisconnect")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
