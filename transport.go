// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unicode"

	"go.bug.st/serial"
)

// OpenError is returned when a serial device cannot be opened.
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Port, e.Err)
}
func (e *OpenError) Unwrap() error { return e.Err }

// ErrNotOpen is returned by Write when the transport is not currently open.
var ErrNotOpen = errors.New("transport: not open")

// transportEvents is the callback set a transport reports through. line may
// fire many times between opened and closed. A read failure after an
// explicit Close fires closed alone; any other read failure fires error
// followed by closed.
type transportEvents struct {
	opened func()
	line   func(line string)
	closed func()
	error  func(kind error)
}

// transport owns one open serial device (spec.md C1, "Line Transport"). It
// delivers complete newline-terminated lines with the trailing newline
// stripped, and accepts raw byte writes with no framing added.
type transport struct {
	port   serial.Port
	events transportEvents

	writeCh       chan []byte
	done          chan struct{}
	explicitClose atomic.Bool
}

// openTransport opens portName at baud and starts its read/write loops.
// Framing (newline splitting on read) happens here; callers decide what the
// bytes mean.
func openTransport(portName string, baud int, events transportEvents) (*transport, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &OpenError{Port: portName, Err: err}
	}
	slog.Info("opened serial port", "port", portName, "baud", baud)

	tr := &transport{
		port:    port,
		events:  events,
		writeCh: make(chan []byte, 16),
		done:    make(chan struct{}),
	}

	events.opened()

	go tr.readLoop()
	go tr.writeLoop()

	return tr, nil
}

func (tr *transport) readLoop() {
	r := bufio.NewReader(tr.port)
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil {
			if len(raw) > 0 {
				tr.emitLine(raw)
			}
			if tr.explicitClose.Load() {
				tr.events.closed()
			} else {
				slog.Warn("serial port read error", "error", err)
				tr.events.error(err)
				tr.events.closed()
			}
			close(tr.done)
			return
		}
		tr.emitLine(raw)
	}
}

func (tr *transport) emitLine(raw []byte) {
	cleaned := string(bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, raw))
	if cleaned == "" {
		return
	}
	tr.events.line(cleaned)
}

func (tr *transport) writeLoop() {
	for {
		select {
		case b := <-tr.writeCh:
			if _, err := tr.port.Write(b); err != nil {
				slog.Warn("serial port write error", "error", err)
			}
		case <-tr.done:
			return
		}
	}
}

// Write transmits raw bytes verbatim; no newline is appended.
func (tr *transport) Write(b []byte) error {
	select {
	case tr.writeCh <- b:
		return nil
	case <-tr.done:
		return ErrNotOpen
	}
}

// Close closes the underlying serial port. Safe to call once. Marks the
// close as intentional so readLoop reports it via closed() alone, without
// also firing error() for the resulting read failure.
func (tr *transport) Close() {
	tr.explicitClose.Store(true)
	tr.port.Close()
}

// listSerialPorts enumerates OS-visible serial ports (spec.md §4.7 "list").
func listSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
