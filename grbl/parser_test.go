// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

import (
	"reflect"
	"testing"
)

func TestClassifyBoot(t *testing.T) {
	ev := Classify("Grbl 0.9j ['$' for help]")
	if ev.Kind != Boot {
		t.Errorf("expected Boot, got %v", ev.Kind)
	}
}

func TestClassifyBootCaseInsensitive(t *testing.T) {
	ev := Classify("grbl 1.1f ['$' for help]")
	if ev.Kind != Boot {
		t.Errorf("expected Boot, got %v", ev.Kind)
	}
}

func TestClassifyStatus(t *testing.T) {
	ev := Classify("<Idle,MPos:5.529,0.560,7.000,WPos:1.529,-5.440,-0.000>")
	if ev.Kind != Status {
		t.Fatalf("expected Status, got %v", ev.Kind)
	}
	if ev.State != "Idle" {
		t.Errorf("State = %q", ev.State)
	}
	wantM := [3]string{"5.529", "0.560", "7.000"}
	if ev.MachinePos != wantM {
		t.Errorf("MachinePos = %v, want %v", ev.MachinePos, wantM)
	}
	wantW := [3]string{"1.529", "-5.440", "-0.000"}
	if ev.WorkingPos != wantW {
		t.Errorf("WorkingPos = %v, want %v", ev.WorkingPos, wantW)
	}
}

func TestClassifyParserState(t *testing.T) {
	ev := Classify("[G0 G54 G17 G21 G90 G94 M0 M5 M9 T0 F2540. S0.]")
	if ev.Kind != ParserState {
		t.Fatalf("expected ParserState, got %v", ev.Kind)
	}
	want := []string{"G0", "G54", "G17", "G21", "G90", "G94", "M0", "M5", "M9", "T0", "F2540.", "S0."}
	if !reflect.DeepEqual(ev.Tokens, want) {
		t.Errorf("Tokens = %v, want %v", ev.Tokens, want)
	}
}

func TestClassifyAckOk(t *testing.T) {
	ev := Classify("ok")
	if ev.Kind != AckOk {
		t.Errorf("expected AckOk, got %v", ev.Kind)
	}
}

func TestClassifyAckError(t *testing.T) {
	ev := Classify("error:9")
	if ev.Kind != AckError {
		t.Fatalf("expected AckError, got %v", ev.Kind)
	}
	if ev.ErrorText != "9" {
		t.Errorf("ErrorText = %q, want %q", ev.ErrorText, "9")
	}
}

func TestClassifyOther(t *testing.T) {
	ev := Classify("Hold:0")
	if ev.Kind != Other {
		t.Errorf("expected Other, got %v", ev.Kind)
	}
	if ev.Raw != "Hold:0" {
		t.Errorf("Raw = %q", ev.Raw)
	}
}

func TestClassifyStatusMalformedFallsThrough(t *testing.T) {
	// Missing WPos: should not be classified as Status.
	ev := Classify("<Idle,MPos:0,0,0>")
	if ev.Kind == Status {
		t.Errorf("expected non-Status classification for malformed status line")
	}
}
