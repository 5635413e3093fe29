// Package mem provides page-granular memory allocation for columnar query
// operators.
//
// # Overview
//
// A process-wide Allocator multiplexes a fixed reservation of virtual memory
// among concurrent operators. Two allocation shapes are supported:
//
//   - Non-contiguous: an Allocation composed of power-of-two page runs drawn
//     from size classes {1, 2, 4, 8, 16, 32, 64, 128, 256} pages.
//   - Contiguous: a ContiguousAllocation of an arbitrary page count obtained
//     as a single mapped region.
//
// # Backends
//
// Two backends implement the Allocator interface:
//
// MmapAllocator reserves one virtual range per size class up front and
// tracks which pages are currently backed by committed memory ("mapped").
// Freed pages stay mapped so they can be handed out again without a page
// fault storm; contiguous requests reclaim idle mapped pages by advising
// them away to the OS.
//
// MallocAllocator draws page runs from the Go heap. It has no mapped-page
// accounting and no capacity of its own; quota comes from usage trackers.
//
// # Usage trackers
//
// Operators obtain a scoped allocator with AddChild and a UsageTracker.
// Every allocation reserves bytes in the tracker before backend work and
// rolls the reservation back if the backend fails, so a failed call leaves
// the tracker unchanged.
//
//	tracker := mem.NewUsageTracker(mem.UsageConfig{MaxTotalBytes: 1 << 30})
//	alloc := mem.GetInstance().AddChild(tracker)
//
//	result := mem.NewAllocation(alloc)
//	if err := alloc.AllocateNonContiguous(32, result, 0); err != nil {
//	    return err
//	}
//	// ... use result.RunAt(i).Data() ...
//	alloc.FreeNonContiguous(result)
//
// # Collateral
//
// AllocateContiguous accepts an optional collateral Allocation whose pages
// fund the request. Collateral is consumed unconditionally: on success its
// pages are folded into the new region's accounting, on failure it is freed
// anyway. The target handle's previous contents are consumed the same way.
// Callers never observe a partially transferred state.
//
// # Related packages
//
//   - github.com/joshuapare/memkit/internal/vmem: anonymous mapping syscalls
//   - github.com/joshuapare/memkit/internal/sysmem: default capacity sizing
package mem
