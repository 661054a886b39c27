// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"os"
	"path/filepath"
	"testing"
)

// writeTree creates files under root from a path→content map.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestProbe(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"sys/class/power_supply/AC/type":       "Mains\n",
		"sys/class/power_supply/AC/online":     "1\n",
		"sys/class/power_supply/BAT0/type":     "Battery\n",
		"sys/class/power_supply/BAT0/capacity": "85\n",
		"sys/class/power_supply/BAT0/status":   "Discharging\n",
		"proc/uptime":                          "3725.41 7000.12\n",
		"proc/meminfo":                         "MemTotal:        3915776 kB\nMemFree:          102400 kB\n",
		"proc/sys/kernel/osrelease":            "6.1.57-android14\n",
	})

	snapshot := NewProber(root).Probe()

	if snapshot.BatteryLevel != 85 {
		t.Errorf("BatteryLevel = %d, want 85", snapshot.BatteryLevel)
	}
	if snapshot.Charging {
		t.Error("Charging = true for a discharging battery")
	}
	if snapshot.UptimeSeconds != 3725 {
		t.Errorf("UptimeSeconds = %d, want 3725", snapshot.UptimeSeconds)
	}
	if snapshot.MemoryTotalMB != 3824 {
		t.Errorf("MemoryTotalMB = %d, want 3824", snapshot.MemoryTotalMB)
	}
	if snapshot.KernelRelease != "6.1.57-android14" {
		t.Errorf("KernelRelease = %q", snapshot.KernelRelease)
	}
}

func TestProbeWithoutBattery(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"sys/class/power_supply/AC/type": "Mains\n",
	})

	snapshot := NewProber(root).Probe()
	if snapshot.BatteryLevel != BatteryUnknown {
		t.Errorf("BatteryLevel = %d, want BatteryUnknown", snapshot.BatteryLevel)
	}
	if snapshot.UptimeSeconds != 0 || snapshot.MemoryTotalMB != 0 {
		t.Errorf("missing proc files produced %+v", snapshot)
	}
}

func TestBatteryCharging(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"Charging", true},
		{"Full", true},
		{"Discharging", false},
		{"Not charging", false},
	}
	for _, test := range tests {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"sys/class/power_supply/battery/type":     "Battery",
			"sys/class/power_supply/battery/capacity": "40",
			"sys/class/power_supply/battery/status":   test.status,
		})
		if _, charging := NewProber(root).battery(); charging != test.want {
			t.Errorf("status %q: charging = %v, want %v", test.status, charging, test.want)
		}
	}
}

func TestBatteryRejectsOutOfRangeCapacity(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"sys/class/power_supply/battery/type":     "Battery",
		"sys/class/power_supply/battery/capacity": "250",
	})
	if level, _ := NewProber(root).battery(); level != BatteryUnknown {
		t.Errorf("level = %d, want BatteryUnknown", level)
	}
}
