// Package sysmem discovers system memory limits for sizing default
// allocator capacities.
package sysmem

import sigar "github.com/cloudfoundry/gosigar"

// fallbackBytes is used when the system query fails (containers with
// restricted procfs, unsupported platforms).
const fallbackBytes = 1 << 30

// TotalBytes returns the total physical memory of the machine.
func TotalBytes() uint64 {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil || mem.Total == 0 {
		return fallbackBytes
	}
	return mem.Total
}

// DefaultCapacityBytes returns the default reservation for a process-wide
// allocator: a quarter of physical memory.
func DefaultCapacityBytes() uint64 {
	return TotalBytes() / 4
}
