// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingPathIsEmptyNotError(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error = %v", err)
	}
	if len(cfg.Ports) != 0 {
		t.Errorf("expected empty Ports, got %+v", cfg.Ports)
	}

	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig(nonexistent) error = %v", err)
	}
	if len(cfg.Ports) != 0 {
		t.Errorf("expected empty Ports, got %+v", cfg.Ports)
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultBaud(t *testing.T) {
	path := writeConfigFile(t, `
ports:
  - device: /dev/ttyUSB0
  - device: /dev/ttyUSB1
    default_baud: 9600
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error = %v", err)
	}
	if got := cfg.DefaultBaud("/dev/ttyUSB0", 0); got != 115200 {
		t.Errorf("default_baud for ttyUSB0 = %d, want 115200", got)
	}
	if got := cfg.DefaultBaud("/dev/ttyUSB1", 0); got != 9600 {
		t.Errorf("default_baud for ttyUSB1 = %d, want 9600", got)
	}
	if got := cfg.DefaultBaud("/dev/unknown", 57600); got != 57600 {
		t.Errorf("fallback baud = %d, want 57600", got)
	}
}

func TestLoadConfigRejectsDuplicateDevice(t *testing.T) {
	path := writeConfigFile(t, `
ports:
  - device: /dev/ttyUSB0
  - device: /dev/ttyUSB0
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for duplicate device")
	}
}

func TestLoadConfigRejectsMissingDevice(t *testing.T) {
	path := writeConfigFile(t, `
ports:
  - default_baud: 9600
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing device")
	}
}

func TestLoadConfigExtraDevices(t *testing.T) {
	path := writeConfigFile(t, `
ports:
  - device: /dev/ttyUSB0
  - device: /dev/ttyUSB1
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error = %v", err)
	}
	devices := cfg.ExtraDevices()
	if len(devices) != 2 || devices[0] != "/dev/ttyUSB0" || devices[1] != "/dev/ttyUSB1" {
		t.Errorf("ExtraDevices() = %v", devices)
	}
}
