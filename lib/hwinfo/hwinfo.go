// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BatteryUnknown is reported when no battery is present or readable.
const BatteryUnknown = -1

// Snapshot is one probe of the device.
type Snapshot struct {
	// BatteryLevel is 0-100, or BatteryUnknown.
	BatteryLevel int
	Charging     bool

	UptimeSeconds int64
	MemoryTotalMB int
	KernelRelease string
}

// Prober reads snapshots from a filesystem root.
type Prober struct {
	root string
}

// NewProber returns a prober for root. An empty root means "/".
func NewProber(root string) *Prober {
	if root == "" {
		root = "/"
	}
	return &Prober{root: root}
}

// Probe reads the current snapshot.
func (p *Prober) Probe() Snapshot {
	var snapshot Snapshot
	snapshot.BatteryLevel, snapshot.Charging = p.battery()
	snapshot.UptimeSeconds = p.uptime()
	snapshot.MemoryTotalMB = p.memoryTotalMB()
	snapshot.KernelRelease = ReadSysfsString(filepath.Join(p.root, "proc/sys/kernel/osrelease"))
	return snapshot
}

// battery returns the capacity of the first power supply whose type is
// Battery, in directory order.
func (p *Prober) battery() (int, bool) {
	base := filepath.Join(p.root, "sys/class/power_supply")
	entries, err := os.ReadDir(base)
	if err != nil {
		return BatteryUnknown, false
	}
	for _, entry := range entries {
		supply := filepath.Join(base, entry.Name())
		if ReadSysfsString(filepath.Join(supply, "type")) != "Battery" {
			continue
		}
		capacity, ok := readSysfsInt(filepath.Join(supply, "capacity"))
		if !ok || capacity < 0 || capacity > 100 {
			continue
		}
		status := ReadSysfsString(filepath.Join(supply, "status"))
		return capacity, status == "Charging" || status == "Full"
	}
	return BatteryUnknown, false
}

// uptime parses the first field of /proc/uptime ("12345.67 54321.00").
func (p *Prober) uptime() int64 {
	fields := strings.Fields(ReadSysfsString(filepath.Join(p.root, "proc/uptime")))
	if len(fields) == 0 {
		return 0
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(seconds)
}

// memoryTotalMB reads MemTotal from /proc/meminfo.
func (p *Prober) memoryTotalMB() int {
	file, err := os.Open(filepath.Join(p.root, "proc/meminfo"))
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kilobytes, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0
			}
			return kilobytes / 1024
		}
	}
	return 0
}

// ReadSysfsString reads a sysfs or procfs file, trimming whitespace.
// Returns "" on error.
func ReadSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsInt(path string) (int, bool) {
	value := ReadSysfsString(path)
	if value == "" {
		return 0, false
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return result, true
}
