//go:build linux

package orchestrator

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// liveChildren lists the pids of live direct children of this process by
// scanning /proc. Used as a defensive supplement to the task registry: an
// action may have spawned a subprocess without reporting it.
func liveChildren() []int {
	self := os.Getpid()

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		stat, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "stat"))
		if err != nil {
			continue
		}

		// Field 4 of /proc/<pid>/stat is the ppid. The comm field (2) is
		// parenthesized and may contain spaces, so parse from its closing
		// paren.
		raw := string(stat)
		end := strings.LastIndexByte(raw, ')')
		if end < 0 {
			continue
		}

		fields := strings.Fields(raw[end+1:])
		if len(fields) < 2 {
			continue
		}

		ppid, err := strconv.Atoi(fields[1])
		if err != nil || ppid != self {
			continue
		}

		pids = append(pids, pid)
	}

	return pids
}
