// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"grbl-bridge/eventbus"
	"grbl-bridge/grbl"
)

// connState is the Session's connection state machine (spec.md §4.4).
type connState int

const (
	connClosed connState = iota
	connOpening
	connResetting
	connWaitBoot
	connReady
)

const (
	pollInterval       = 250 * time.Millisecond
	statusWatchdogMiss = 5 // consecutive missed ticks before the status-poll watchdog fires
)

// pending tracks the three outstanding-solicited-query flags from spec.md
// §3's Session data model.
type pending struct {
	statusPoll        bool
	gstatePoll        bool
	gstateAwaitingAck bool
}

// Session is C4, the per-port coordinator: it owns the transport, the
// parser (stateless, via grbl.Classify), the command queue, and the two
// 250ms timers, and sequences solicited queries against queued dispatch.
type Session struct {
	port string
	baud int

	bus      *eventbus.Bus // global connection registry, shared across all ports
	onRemove func(port string) // registry callback, invoked exactly once on teardown

	mu          sync.Mutex
	state       connState
	tran        *transport
	ready       bool
	pend        pending
	missedPolls int
	attached    map[string]bool // client ids attached to THIS port (spec.md §3 Session.clients)

	queue      *grbl.Queue
	gcodeText  string
	lastSize   int
	lastExec   int

	lines  *LineDB
	status *StatusDB
	jobs   *JobHistory
	payloadLog *PayloadLogger

	openerClientID string

	stopPoll  chan struct{}
	stopBcast chan struct{}
}

// newSession constructs a Closed Session. It does not open the transport;
// call open() for that.
func newSession(port string, bus *eventbus.Bus, onRemove func(string), logDir string) *Session {
	s := &Session{
		port:       port,
		bus:        bus,
		onRemove:   onRemove,
		attached:   make(map[string]bool),
		lines:      NewLineDB(),
		status:     NewStatusDB(),
		jobs:       NewJobHistory(),
		payloadLog: NewPayloadLogger(logDir),
	}
	s.queue = grbl.NewQueue(s.dispatchQueueLine)
	return s
}

// open drives Closed -> Opening -> Resetting -> WaitBoot. clientID is the
// client that issued the open() command; it receives the serialport:open
// reply as soon as the transport is open, before the boot banner arrives
// (the "inuse" cases aside, which the router handles before calling open).
func (s *Session) open(baud int, clientID string) error {
	s.mu.Lock()
	if s.state != connClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = connOpening
	s.baud = baud
	s.openerClientID = clientID
	s.mu.Unlock()

	tran, err := openTransport(s.port, baud, transportEvents{
		// openTransport fires opened before it returns, while s.tran is
		// still nil; onTransportOpened runs below once s.tran is set.
		opened: func() {},
		line:   s.onTransportLine,
		closed: s.onTransportClosed,
		error:  s.onTransportError,
	})
	if err != nil {
		slog.Error("session: open failed", "port", s.port, "error", err)
		s.bus.Unicast(clientID, "serialport:error", map[string]any{"port": s.port})
		s.teardown()
		return err
	}

	s.mu.Lock()
	s.tran = tran
	s.mu.Unlock()
	s.onTransportOpened()
	return nil
}

func (s *Session) onTransportOpened() {
	s.mu.Lock()
	s.state = connResetting
	s.ready = false
	s.pend = pending{}
	s.missedPolls = 0
	s.gcodeText = ""
	tran := s.tran
	opener := s.openerClientID
	s.mu.Unlock()

	s.queue.Stop()
	s.queue.Clear()

	s.bus.Unicast(opener, "serialport:open", map[string]any{
		"port":     s.port,
		"baudrate": s.baud,
		"inuse":    true,
	})

	if err := tran.Write([]byte{0x18}); err != nil {
		slog.Warn("session: failed to write reset byte", "port", s.port, "error", err)
	}

	s.mu.Lock()
	s.state = connWaitBoot
	s.mu.Unlock()

	s.stopPoll = make(chan struct{})
	s.stopBcast = make(chan struct{})
	go s.pollLoop(s.stopPoll)
	go s.queueStatusLoop(s.stopBcast)
}

// onTransportLine is C1->C2->C4: classify the line and run reply dispatch.
func (s *Session) onTransportLine(raw string) {
	s.lines.AddLine("up", raw)
	s.payloadLog.AddLine("up", raw)

	ev := grbl.Classify(raw)
	switch ev.Kind {
	case grbl.Boot:
		s.handleBoot()
	case grbl.Status:
		s.handleStatus(ev, raw)
	case grbl.ParserState:
		s.handleParserState(ev, raw)
	case grbl.AckOk, grbl.AckError:
		s.handleAck(raw)
	default:
		s.handleOther(raw)
	}
}

// handleBoot implements spec.md §4.4 priority 1.
func (s *Session) handleBoot() {
	s.mu.Lock()
	s.pend = pending{}
	s.missedPolls = 0
	s.ready = true
	s.state = connReady
	s.mu.Unlock()
}

// handleStatus implements spec.md §4.4 priority 2.
func (s *Session) handleStatus(ev grbl.Event, raw string) {
	s.status.Insert(time.Now(), StatusSample{
		State:      ev.State,
		MachinePos: ev.MachinePos,
		WorkingPos: ev.WorkingPos,
	})

	s.broadcast("grbl:current-status", map[string]any{
		"activeState": ev.State,
		"machinePos":  map[string]string{"x": ev.MachinePos[0], "y": ev.MachinePos[1], "z": ev.MachinePos[2]},
		"workingPos":  map[string]string{"x": ev.WorkingPos[0], "y": ev.WorkingPos[1], "z": ev.WorkingPos[2]},
	})

	s.forEachAttachedWithExactLastCommand("?", func(id string) {
		s.bus.Unicast(id, "serialport:data", raw)
		s.bus.ClearLastCommand(id)
	})

	s.mu.Lock()
	s.pend.statusPoll = false
	s.missedPolls = 0
	s.mu.Unlock()
}

// handleParserState implements spec.md §4.4 priority 3.
func (s *Session) handleParserState(ev grbl.Event, raw string) {
	s.broadcast("grbl:gcode-modes", ev.Tokens)

	s.forEachAttachedWithLastCommandPrefix("$G", func(id string) {
		s.bus.Unicast(id, "serialport:data", raw)
	})

	s.mu.Lock()
	s.pend.gstatePoll = false
	s.pend.gstateAwaitingAck = true
	s.mu.Unlock()
}

// handleAck implements spec.md §4.4 priority 4.
func (s *Session) handleAck(raw string) {
	s.mu.Lock()
	awaiting := s.pend.gstateAwaitingAck
	s.mu.Unlock()

	if awaiting {
		s.forEachAttachedWithLastCommandPrefix("$G", func(id string) {
			s.bus.Unicast(id, "serialport:data", raw)
			s.bus.ClearLastCommand(id)
		})
		s.mu.Lock()
		s.pend.gstateAwaitingAck = false
		s.mu.Unlock()
		return
	}

	if s.queue.IsRunning() {
		s.queue.Next()
		s.publishQueueStatusIfChanged()
		if !s.queue.IsRunning() && s.queue.ExecutedCount() == s.queue.Size() {
			s.jobs.Complete()
		}
		return
	}

	s.handleOther(raw)
}

// handleOther implements spec.md §4.4 priority 5: fall-through broadcast.
func (s *Session) handleOther(raw string) {
	if raw == "" {
		return
	}
	s.broadcast("serialport:data", raw)
}

func (s *Session) onTransportClosed() {
	slog.Info("session: transport closed", "port", s.port)
	s.broadcast("serialport:close", map[string]any{"port": s.port, "inuse": false})
	s.teardown()
}

func (s *Session) onTransportError(err error) {
	slog.Warn("session: transport error", "port", s.port, "error", err)
	s.broadcast("serialport:error", map[string]any{"port": s.port})
}

// teardown cancels both timers and removes the Session from the registry.
// No auto-reconnect, per spec.md Non-goals.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == connClosed {
		s.mu.Unlock()
		return
	}
	s.state = connClosed
	s.ready = false
	stopPoll, stopBcast := s.stopPoll, s.stopBcast
	s.mu.Unlock()

	if stopPoll != nil {
		close(stopPoll)
	}
	if stopBcast != nil {
		close(stopBcast)
	}
	s.payloadLog.Close()
	s.onRemove(s.port)
}

// pollLoop is the 250ms status/gstate poll scheduler (spec.md §4.4) plus
// the poll-starvation watchdog decided in SPEC_FULL.md §F.
func (s *Session) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollTick()
		}
	}
}

func (s *Session) pollTick() {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return
	}
	tran := s.tran

	sendStatus := false
	if !s.pend.statusPoll {
		s.pend.statusPoll = true
		s.missedPolls = 0
		sendStatus = true
	} else {
		s.missedPolls++
		if s.missedPolls >= statusWatchdogMiss {
			slog.Warn("session: status-poll watchdog fired, no reply observed", "port", s.port, "missed", s.missedPolls)
			s.missedPolls = 0
			sendStatus = true
		}
	}

	sendGstate := false
	if !s.pend.gstatePoll && !s.pend.gstateAwaitingAck {
		s.pend.gstatePoll = true
		sendGstate = true
	}
	s.mu.Unlock()

	if tran == nil {
		return
	}
	if sendStatus {
		if err := tran.Write([]byte("?")); err != nil {
			slog.Warn("session: status poll write failed", "port", s.port, "error", err)
		}
	}
	if sendGstate {
		if err := tran.Write([]byte("$G\n")); err != nil {
			slog.Warn("session: gstate poll write failed", "port", s.port, "error", err)
		}
	}
}

// queueStatusLoop is the separate 250ms queue-status broadcaster (spec.md
// §4.4), debounced on (size, executed) change.
func (s *Session) queueStatusLoop(stop chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.publishQueueStatusIfChanged()
		}
	}
}

func (s *Session) publishQueueStatusIfChanged() {
	size := s.queue.Size()
	executed := s.queue.ExecutedCount()

	s.mu.Lock()
	changed := size != s.lastSize || executed != s.lastExec
	if changed {
		s.lastSize = size
		s.lastExec = executed
	}
	s.mu.Unlock()

	if changed {
		s.broadcast("gcode:queue-status", map[string]any{"executed": executed, "total": size})
	}
}

// dispatchQueueLine is the grbl.Queue dispatch callback: it writes the line
// to the transport (newline-terminated, since queue lines are full G-code
// commands, not raw client writes) and logs it.
func (s *Session) dispatchQueueLine(line string) {
	s.mu.Lock()
	tran := s.tran
	s.mu.Unlock()
	if tran == nil {
		return
	}
	s.lines.AddLine("down", line)
	s.payloadLog.AddLine("down", line)
	if err := tran.Write([]byte(line + "\n")); err != nil {
		slog.Warn("session: queue dispatch write failed", "port", s.port, "error", err)
	}
}

// writeRaw implements serialport:write: verbatim write, tagging clientID's
// last_command. No newline is appended.
func (s *Session) writeRaw(clientID string, payload string) error {
	s.mu.Lock()
	tran := s.tran
	s.mu.Unlock()
	if tran == nil {
		return ErrNotOpen
	}
	s.lines.AddLine("down", payload)
	s.payloadLog.AddLine("down", payload)
	s.bus.SetLastCommand(clientID, payload)
	return tran.Write([]byte(payload))
}

// attachClient attaches clientID to this port's client set (spec.md §4.5).
func (s *Session) attachClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[clientID] = true
}

// detachClient removes clientID from this port's client set and returns the
// number of clients remaining attached.
func (s *Session) detachClient(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, clientID)
	return len(s.attached)
}

func (s *Session) isAttached(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[clientID]
}

func (s *Session) attachedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.attached))
	for id := range s.attached {
		ids = append(ids, id)
	}
	return ids
}

// broadcast delivers event/payload to every client attached to this port
// only — not every client connected to the process (spec.md §4.5).
func (s *Session) broadcast(event string, payload any) {
	for _, id := range s.attachedIDs() {
		s.bus.Unicast(id, event, payload)
	}
}

// forEachAttachedWithLastCommandPrefix scopes eventbus.Bus's last-command
// routing to clients attached to this port.
func (s *Session) forEachAttachedWithLastCommandPrefix(prefix string, fn func(id string)) {
	s.bus.ForEachWithLastCommandPrefix(prefix, func(id string) {
		if s.isAttached(id) {
			fn(id)
		}
	})
}

func (s *Session) forEachAttachedWithExactLastCommand(want string, fn func(id string)) {
	s.bus.ForEachWithExactLastCommand(want, func(id string) {
		if s.isAttached(id) {
			fn(id)
		}
	})
}

// closeTransport is the explicit close(port) path (spec.md §4.7): closing
// the underlying port lets readLoop observe the close and drive the normal
// onTransportClosed -> teardown sequence. If the transport was never opened,
// teardown runs directly.
func (s *Session) closeTransport() {
	s.mu.Lock()
	tran := s.tran
	s.mu.Unlock()
	if tran == nil {
		s.teardown()
		return
	}
	tran.Close()
}

func (s *Session) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tran != nil && s.state != connClosed
}

// run wraps queue.Play with job-history bookkeeping (SPEC_FULL.md §D.3): a
// run starting from executed==0 opens a new Job.
func (s *Session) run() {
	if s.queue.ExecutedCount() == 0 && !s.queue.IsRunning() {
		s.jobs.Start(s.queue.Size())
	}
	s.queue.Play()
}

func (s *Session) pause() {
	s.queue.Pause()
}

func (s *Session) stop() {
	s.queue.Stop()
	s.jobs.Cancel()
}

func (s *Session) unload() {
	s.mu.Lock()
	s.gcodeText = ""
	s.mu.Unlock()
	s.queue.Stop()
	s.queue.Clear()
	s.jobs.Cancel()
}

// ingest implements C6 for this session: stop+clear+refill.
func (s *Session) ingest(gcodeText string) {
	lines := splitGCodeLines(gcodeText)
	s.mu.Lock()
	s.gcodeText = gcodeText
	s.mu.Unlock()
	s.queue.Stop()
	s.queue.Clear()
	s.jobs.Cancel()
	s.queue.Push(lines)
}

// splitGCodeLines strips comments (";" to end of line) and blank lines,
// grounded on comm/comm.go's cleanupGCode.
func splitGCodeLines(text string) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		line := raw
		if idx := strings.Index(line, ";"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
