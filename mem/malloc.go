package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joshuapare/memkit/internal/testvalue"
)

// Test-value hook sites on the malloc backend.
const testValueMallocAllocate = "mem.MallocAllocator.AllocateNonContiguous"

// MallocAllocator draws page runs from the Go heap. It has no capacity of
// its own; quota enforcement comes from usage trackers on scoped children.
// Runs are page-aligned so offset arithmetic matches the mmap backend.
type MallocAllocator struct {
	mu         sync.Mutex
	classSizes []int
	runs       map[uintptr][]byte // live non-contiguous runs by base address
	contiguous map[uintptr][]byte // live contiguous regions by base address
	allocated  atomic.Int64       // pages, contiguous included
	stats      *statsCounters
}

// NewMallocAllocator returns a heap-backed allocator with the default size
// classes.
func NewMallocAllocator() *MallocAllocator {
	return &MallocAllocator{
		classSizes: DefaultSizeClasses,
		runs:       make(map[uintptr][]byte),
		contiguous: make(map[uintptr][]byte),
		stats:      newStatsCounters(DefaultSizeClasses),
	}
}

func (m *MallocAllocator) AllocateNonContiguous(numPages int, out *Allocation, minSizeClass int) error {
	if numPages <= 0 {
		panic(fmt.Sprintf("mem: non-positive page count %d", numPages))
	}
	if !out.Empty() {
		m.FreeNonContiguous(out)
	}
	if testvalue.Fire(testValueMallocAllocate) {
		return ErrCapacity
	}
	start := time.Now()
	mix := allocationSize(m.classSizes, numPages, minSizeClass)

	m.mu.Lock()
	for i, classIdx := range mix.classIndex {
		unitPages := m.classSizes[classIdx]
		for u := 0; u < mix.unitCounts[i]; u++ {
			run := alignedPages(unitPages)
			m.runs[sliceBase(run)] = run
			out.Append(run)
		}
	}
	m.allocated.Add(int64(mix.totalPages))
	m.mu.Unlock()

	m.stats.record(mix, m.classSizes, time.Since(start))
	out.owner = m
	return nil
}

func (m *MallocAllocator) FreeNonContiguous(alloc *Allocation) int {
	if alloc.Empty() {
		return 0
	}
	freed := 0
	m.mu.Lock()
	for i := 0; i < alloc.NumRuns(); i++ {
		run := alloc.RunAt(i)
		base := sliceBase(run.Data())
		if _, ok := m.runs[base]; !ok {
			debugLogf("free of unknown run at %#x (%d pages)", base, run.NumPages())
			continue
		}
		delete(m.runs, base)
		freed += run.NumPages()
	}
	m.allocated.Add(int64(-freed))
	m.mu.Unlock()
	alloc.reset()
	return freed
}

func (m *MallocAllocator) AllocateContiguous(numPages int, collateral *Allocation, out *ContiguousAllocation, cb GrowCallback) error {
	if numPages <= 0 {
		panic(fmt.Sprintf("mem: non-positive page count %d", numPages))
	}
	collateralPages := 0
	if collateral != nil {
		collateralPages += m.FreeNonContiguous(collateral)
	}
	if prior := out.NumPages(); prior > 0 {
		m.FreeContiguous(out)
		collateralPages += prior
	}
	newPages := numPages - collateralPages
	if cb != nil && newPages > 0 {
		if err := cb(int64(newPages)*PageSize, true); err != nil {
			if collateralPages > 0 {
				cb(int64(collateralPages)*PageSize, false) //nolint:errcheck // release path
			}
			return err
		}
	}
	region := alignedPages(numPages)
	m.mu.Lock()
	m.contiguous[sliceBase(region)] = region
	m.allocated.Add(int64(numPages))
	m.mu.Unlock()
	if cb != nil && newPages < 0 {
		cb(int64(-newPages)*PageSize, false) //nolint:errcheck // release path
	}
	out.owner = m
	out.data = region
	return nil
}

func (m *MallocAllocator) FreeContiguous(alloc *ContiguousAllocation) {
	if alloc.Empty() {
		return
	}
	m.mu.Lock()
	base := sliceBase(alloc.Data())
	if _, ok := m.contiguous[base]; ok {
		delete(m.contiguous, base)
		m.allocated.Add(int64(-alloc.NumPages()))
	} else {
		debugLogf("free of unknown contiguous region at %#x", base)
	}
	m.mu.Unlock()
	alloc.reset()
}

func (m *MallocAllocator) AllocateBytes(bytes int) ([]byte, error) {
	return allocateBytes(m, bytes)
}

func (m *MallocAllocator) FreeBytes(buf []byte) {
	freeBytes(m, buf)
}

func (m *MallocAllocator) NumAllocated() int { return int(m.allocated.Load()) }

// NumMapped reports the allocated count: heap memory is always resident.
func (m *MallocAllocator) NumMapped() int { return int(m.allocated.Load()) }

func (m *MallocAllocator) SizeClasses() []int { return m.classSizes }

func (m *MallocAllocator) LargestSizeClass() int {
	return m.classSizes[len(m.classSizes)-1]
}

func (m *MallocAllocator) Stats() Stats { return m.stats.snapshot() }

// CheckConsistency verifies the ledger sums match the allocated counter.
func (m *MallocAllocator) CheckConsistency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := 0
	for _, run := range m.runs {
		pages += len(run) / PageSize
	}
	for _, region := range m.contiguous {
		pages += len(region) / PageSize
	}
	if int64(pages) != m.allocated.Load() {
		debugLogf("ledger holds %d pages, counter %d", pages, m.allocated.Load())
		return false
	}
	return true
}

func (m *MallocAllocator) AddChild(tracker *UsageTracker) Allocator {
	return newScopedAllocator(m, tracker)
}

// alignedPages returns a page-aligned slice of numPages pages from the Go
// heap, with capacity pinned to its length.
func alignedPages(numPages int) []byte {
	size := numPages * PageSize
	raw := make([]byte, size+PageSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % PageSize); rem != 0 {
		off = PageSize - rem
	}
	return raw[off : off+size : off+size]
}

func sliceBase(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// Compile-time interface check
var _ Allocator = (*MallocAllocator)(nil)
