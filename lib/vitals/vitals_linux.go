// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package vitals reads the process and host measurements reported in
// heartbeats. All readers degrade to zero on failure; a heartbeat with
// a missing measurement is better than no heartbeat.
package vitals

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcessRSSMB returns the runner's resident set size in megabytes,
// read from /proc/self/status. Returns 0 on any parse failure.
func ProcessRSSMB() int {
	return readRSSFrom("/proc/self/status")
}

// readRSSFrom is the testable version of ProcessRSSMB that accepts a
// file path.
func readRSSFrom(path string) int {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		// Format: "VmRSS:     12345 kB"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return int(kb / 1024)
	}
	return 0
}

// SystemMemoryUsedMB returns the host's used memory in megabytes via
// sysinfo. Returns 0 if the syscall fails.
func SystemMemoryUsedMB() int {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	totalBytes := uint64(info.Totalram) * uint64(info.Unit)
	freeBytes := uint64(info.Freeram) * uint64(info.Unit)
	if totalBytes < freeBytes {
		return 0
	}
	return int((totalBytes - freeBytes) / (1024 * 1024))
}
