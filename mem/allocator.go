package mem

import "sync"

// GrowCallback observes reservation deltas on the contiguous path. It is
// called with preAllocate true before backing is acquired and with
// preAllocate false for releases, including the release of consumed
// collateral on failure. Returning an error from a preAllocate call aborts
// the allocation.
type GrowCallback func(delta int64, preAllocate bool) error

// Allocator is the operation set shared by both backends and by scoped
// child allocators. Callers never branch on the implementation except for
// backend-specific assertions such as mapped-page semantics.
//
// Implementations:
//   - MallocAllocator: heap-backed runs, no mapped-page accounting
//   - MmapAllocator: fixed reserved ranges, advise-away reclamation
//   - scoped allocators from AddChild: same backend, tracker accounting
type Allocator interface {
	// AllocateNonContiguous fills out with size-class runs totaling at
	// least numPages, every run at least minSizeClass pages (0 for no
	// minimum). On error out is left empty and all partial state is rolled
	// back.
	AllocateNonContiguous(numPages int, out *Allocation, minSizeClass int) error

	// FreeNonContiguous returns the allocation's pages to their pools and
	// empties the handle. Freeing an empty handle is a no-op. Returns the
	// number of pages freed.
	FreeNonContiguous(alloc *Allocation) int

	// AllocateContiguous maps a single run of exactly numPages into out.
	// The collateral allocation, if any, and out's previous contents are
	// consumed whether or not the call succeeds. On the mmap backend a
	// request larger than the capacity left unallocated once the collateral
	// is freed panics.
	AllocateContiguous(numPages int, collateral *Allocation, out *ContiguousAllocation, cb GrowCallback) error

	// FreeContiguous releases the region and empties the handle. Freeing an
	// empty handle is a no-op.
	FreeContiguous(alloc *ContiguousAllocation)

	// AllocateBytes serves a byte-sized request: small requests from the
	// system heap, mid-size from one size-class run, large as a contiguous
	// allocation. The returned slice has length bytes.
	AllocateBytes(bytes int) ([]byte, error)

	// FreeBytes releases a slice returned by AllocateBytes.
	FreeBytes(buf []byte)

	// NumAllocated returns the pages currently allocated, contiguous
	// regions included.
	NumAllocated() int

	// NumMapped returns the pages currently backed by committed memory.
	// Only meaningful for the mmap backend; the malloc backend reports its
	// allocated count.
	NumMapped() int

	// SizeClasses returns the ascending run sizes in pages.
	SizeClasses() []int

	// LargestSizeClass returns the biggest run size in pages.
	LargestSizeClass() int

	// Stats returns per-class allocation statistics.
	Stats() Stats

	// CheckConsistency revalidates internal bookkeeping under the full
	// internal lock and reports whether it holds together.
	CheckConsistency() bool

	// AddChild returns an allocator sharing this backend whose allocations
	// are accounted in tracker.
	AddChild(tracker *UsageTracker) Allocator
}

var (
	instanceMu sync.Mutex
	instance   Allocator
)

// SetDefaultInstance installs the process-wide allocator. Call once at
// process init, before any GetInstance.
func SetDefaultInstance(a Allocator) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = a
}

// GetInstance returns the process-wide allocator, installing a
// MallocAllocator if none was set.
func GetInstance() Allocator {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = NewMallocAllocator()
	}
	return instance
}

// DestroyTestOnly drops the process-wide allocator so tests can swap
// backends.
func DestroyTestOnly() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}

// scopedAllocator accounts allocations in a UsageTracker and delegates the
// page work to its parent. Reserve precedes backend work; backend failure
// rolls the reservation back, so a failed call leaves the tracker where it
// was.
type scopedAllocator struct {
	parent  Allocator
	tracker *UsageTracker
}

func newScopedAllocator(parent Allocator, tracker *UsageTracker) *scopedAllocator {
	return &scopedAllocator{parent: parent, tracker: tracker}
}

func (s *scopedAllocator) AllocateNonContiguous(numPages int, out *Allocation, minSizeClass int) error {
	if !out.Empty() {
		s.FreeNonContiguous(out)
	}
	reserved := int64(numPages) * PageSize
	if err := s.tracker.Reserve(reserved); err != nil {
		return err
	}
	if err := s.parent.AllocateNonContiguous(numPages, out, minSizeClass); err != nil {
		s.tracker.Release(reserved)
		return err
	}
	out.owner = s
	// The mix may overshoot the request; charge the difference.
	if over := int64(out.NumPages()-numPages) * PageSize; over > 0 {
		if err := s.tracker.Reserve(over); err != nil {
			s.parent.FreeNonContiguous(out)
			s.tracker.Release(reserved)
			return err
		}
	}
	return nil
}

func (s *scopedAllocator) FreeNonContiguous(alloc *Allocation) int {
	freed := s.parent.FreeNonContiguous(alloc)
	if freed > 0 {
		s.tracker.Release(int64(freed) * PageSize)
	}
	return freed
}

func (s *scopedAllocator) AllocateContiguous(numPages int, collateral *Allocation, out *ContiguousAllocation, cb GrowCallback) error {
	wrapped := func(delta int64, preAllocate bool) error {
		if preAllocate {
			if err := s.tracker.Reserve(delta); err != nil {
				return err
			}
			if cb != nil {
				if err := cb(delta, true); err != nil {
					s.tracker.Release(delta)
					return err
				}
			}
			return nil
		}
		s.tracker.Release(delta)
		if cb != nil {
			return cb(delta, false)
		}
		return nil
	}
	if err := s.parent.AllocateContiguous(numPages, collateral, out, wrapped); err != nil {
		return err
	}
	out.owner = s
	return nil
}

func (s *scopedAllocator) FreeContiguous(alloc *ContiguousAllocation) {
	pages := alloc.NumPages()
	s.parent.FreeContiguous(alloc)
	if pages > 0 {
		s.tracker.Release(int64(pages) * PageSize)
	}
}

func (s *scopedAllocator) AllocateBytes(bytes int) ([]byte, error) {
	return allocateBytes(s, bytes)
}

func (s *scopedAllocator) FreeBytes(buf []byte) {
	freeBytes(s, buf)
}

func (s *scopedAllocator) NumAllocated() int     { return s.parent.NumAllocated() }
func (s *scopedAllocator) NumMapped() int        { return s.parent.NumMapped() }
func (s *scopedAllocator) SizeClasses() []int    { return s.parent.SizeClasses() }
func (s *scopedAllocator) LargestSizeClass() int { return s.parent.LargestSizeClass() }
func (s *scopedAllocator) Stats() Stats          { return s.parent.Stats() }
func (s *scopedAllocator) CheckConsistency() bool {
	return s.parent.CheckConsistency()
}

func (s *scopedAllocator) AddChild(tracker *UsageTracker) Allocator {
	return newScopedAllocator(s, tracker)
}

// Tracker returns the tracker this scope accounts to.
func (s *scopedAllocator) Tracker() *UsageTracker { return s.tracker }

// Compile-time interface check
var _ Allocator = (*scopedAllocator)(nil)
