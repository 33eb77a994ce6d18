//go:build linux

// Package memstat samples host-wide memory pressure for the
// coordinator's recycling policy (spec §4.5). It deliberately reports
// total host usage, not the calling process's own RSS: recycling is
// triggered by memory pressure on the machine as a whole, not by any one
// worker's footprint.
package memstat

import "golang.org/x/sys/unix"

// Percent returns the fraction of host memory currently in use, in
// [0, 1]. It returns 0 if the platform doesn't support unix.Sysinfo.
func Percent() float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	free := uint64(info.Freeram) * uint64(info.Unit)
	if total == 0 {
		return 0
	}
	used := total - free
	return float64(used) / float64(total)
}
