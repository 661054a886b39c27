// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
environment: staging
device:
  id: device-0042
  master_key_file: /etc/warden/master.key
  command_public_key_file: /etc/warden/command.pem
paths:
  root: /data/warden
sync:
  endpoint: https://fleet.example.com/api/v1
  heartbeat_interval: 30s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Sync.HeartbeatInterval != 60*time.Second {
		t.Errorf("heartbeat_interval = %s, want 60s", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.BackoffCeiling != time.Hour {
		t.Errorf("backoff_ceiling = %s, want 1h", cfg.Sync.BackoffCeiling)
	}
	if cfg.Executor.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Executor.MaxRetries)
	}
	if cfg.Queue.Capacity != 1000 || cfg.Queue.HistoryLimit != 500 {
		t.Errorf("queue = %+v, want capacity 1000 history 500", cfg.Queue)
	}
	if cfg.Tamper.AttemptThreshold != 3 {
		t.Errorf("attempt_threshold = %d, want 3", cfg.Tamper.AttemptThreshold)
	}
}

func TestLoadRequiresWardenConfig(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when WARDEN_CONFIG is not set")
	}
	if !strings.HasPrefix(err.Error(), "WARDEN_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", writeConfig(t, validConfig))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("environment = %s, want staging", cfg.Environment)
	}
	if cfg.Sync.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %s, want 30s", cfg.Sync.HeartbeatInterval)
	}
	// Unset values keep their defaults.
	if cfg.Sync.FullInterval != 15*time.Minute {
		t.Errorf("full_interval = %s, want 15m", cfg.Sync.FullInterval)
	}
	// Default paths are expanded against the configured root.
	if cfg.Paths.QueueFile != "/data/warden/queue.bin" {
		t.Errorf("queue_file = %q, want /data/warden/queue.bin", cfg.Paths.QueueFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, validConfig+`
staging:
  paths:
    root: /staging/warden
  sync:
    endpoint: https://staging.example.com
    backoff_ceiling: 10m
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Root != "/staging/warden" {
		t.Errorf("root = %q, want /staging/warden", cfg.Paths.Root)
	}
	if cfg.Paths.AuditDatabase != "/staging/warden/audit.db" {
		t.Errorf("audit_database = %q, want /staging/warden/audit.db", cfg.Paths.AuditDatabase)
	}
	if cfg.Sync.Endpoint != "https://staging.example.com" {
		t.Errorf("endpoint = %q", cfg.Sync.Endpoint)
	}
	if cfg.Sync.BackoffCeiling != 10*time.Minute {
		t.Errorf("backoff_ceiling = %s, want 10m", cfg.Sync.BackoffCeiling)
	}
	// Overrides leave unrelated fields alone.
	if cfg.Sync.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %s, want 30s", cfg.Sync.HeartbeatInterval)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("WARDEN_TEST_UNSET", "")
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{"${WARDEN_ROOT}/queue.bin", map[string]string{"WARDEN_ROOT": "/r"}, "/r/queue.bin"},
		{"${WARDEN_TEST_UNSET:-/fallback}/x", nil, "/fallback/x"},
		{"/plain/path", nil, "/plain/path"},
		{"${WARDEN_TEST_UNSET}", nil, ""},
	}
	for _, test := range tests {
		if got := expandVars(test.input, test.vars); got != test.expected {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing device id", func(c *Config) { c.Device.ID = "" }, "device.id is required"},
		{"http in production", func(c *Config) {
			c.Environment = Production
			c.Sync.Endpoint = "http://fleet.example.com"
		}, "must use https in production"},
		{"full not above heartbeat", func(c *Config) { c.Sync.FullInterval = c.Sync.HeartbeatInterval }, "sync.full_interval"},
		{"zero poll", func(c *Config) { c.Executor.PollInterval = 0 }, "executor.poll_interval must be positive"},
		{"negative threshold", func(c *Config) { c.Tamper.AttemptThreshold = -1 }, "tamper.attempt_threshold"},
		{"capacity below checkpoint", func(c *Config) { c.Audit.Capacity = 10 }, "audit.capacity"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := LoadFile(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			test.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded")
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate error %q does not mention %q", err, test.wantErr)
			}
		})
	}
}

func TestValidateAllowsDisabledAttemptThreshold(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.Tamper.AttemptThreshold = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with attempt_threshold 0: %v", err)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate of bare defaults succeeded")
	}
	for _, want := range []string{"device.id", "device.master_key_file", "sync.endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error does not mention %s: %v", want, err)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, validConfig+"\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.Paths.Root = root
	cfg.Paths.Outbox = filepath.Join(root, "outbox")
	cfg.Paths.QueueFile = filepath.Join(root, "state", "queue.bin")
	cfg.Paths.LockStateFile = filepath.Join(root, "state", "lockstate.bin")
	cfg.Paths.AuditDatabase = filepath.Join(root, "audit", "audit.db")
	cfg.Paths.UIStateFile = filepath.Join(root, "ui", "ui-state.json")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, directory := range []string{"outbox", "state", "audit", "ui"} {
		info, err := os.Stat(filepath.Join(root, directory))
		if err != nil || !info.IsDir() {
			t.Errorf("%s was not created: %v", directory, err)
		}
	}
}
