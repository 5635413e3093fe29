package mem

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joshuapare/memkit/internal/sysmem"
	"github.com/joshuapare/memkit/internal/testvalue"
	"github.com/joshuapare/memkit/internal/vmem"
)

// Test-value hook sites on the mmap backend.
const testValueMmapAllocate = "mem.MmapAllocator.AllocateNonContiguous"

// Failure selects an injected fault for the next syscall at the matching
// site. Injection is one-shot: it is consumed when it fires.
type Failure int

const (
	FailureNone Failure = iota
	FailureMadvise
	FailureMmap
)

// MmapAllocatorOptions configures a MmapAllocator.
type MmapAllocatorOptions struct {
	// Capacity is the total reservation in bytes. Zero selects a quarter of
	// physical memory. Rounded up to a whole largest-class run of pages.
	Capacity uint64

	// SizeClasses overrides DefaultSizeClasses. Must be ascending powers of
	// two.
	SizeClasses []int
}

// MmapAllocator manages a fixed reservation of virtual memory. Each size
// class owns its own reserved range covering the full capacity, so address
// space is traded for never having to migrate a run between classes. A page
// is "mapped" when committed memory backs it; freed pages stay mapped until
// a contiguous request advises them away.
type MmapAllocator struct {
	mu         sync.Mutex
	capacity   int // pages
	classSizes []int
	classes    []*mmapSizeClass

	// Pages in live contiguous regions; under mu.
	externalMapped int
	injected       Failure

	allocated atomic.Int64 // pages, contiguous included
	mapped    atomic.Int64 // class-mapped plus contiguous pages

	stats *statsCounters
}

// mmapSizeClass is one class's reserved range, divided into runs of
// unitPages. Bit i of allocated/mapped covers run i.
type mmapSizeClass struct {
	unitPages int
	unitBytes int
	numUnits  int
	region    []byte
	allocated []uint64
	mapped    []uint64

	numAllocatedUnits int
	numMappedUnits    int
}

// NewMmapAllocator reserves the configured capacity and returns the
// allocator. The reservation is address space only; pages commit lazily.
func NewMmapAllocator(opts MmapAllocatorOptions) (*MmapAllocator, error) {
	classSizes := opts.SizeClasses
	if classSizes == nil {
		classSizes = DefaultSizeClasses
	}
	if err := validateSizeClasses(classSizes); err != nil {
		return nil, err
	}
	capBytes := opts.Capacity
	if capBytes == 0 {
		capBytes = sysmem.DefaultCapacityBytes()
	}
	largest := classSizes[len(classSizes)-1]
	capacity := int((capBytes + PageSize - 1) / PageSize)
	if rem := capacity % largest; rem != 0 {
		capacity += largest - rem
	}
	m := &MmapAllocator{
		capacity:   capacity,
		classSizes: classSizes,
		stats:      newStatsCounters(classSizes),
	}
	for _, size := range classSizes {
		c := &mmapSizeClass{
			unitPages: size,
			unitBytes: size * PageSize,
			numUnits:  capacity / size,
		}
		region, err := vmem.Reserve(c.numUnits * c.unitBytes)
		if err != nil {
			m.Close()
			return nil, err
		}
		c.region = region
		words := (c.numUnits + 63) / 64
		c.allocated = make([]uint64, words)
		c.mapped = make([]uint64, words)
		m.classes = append(m.classes, c)
	}
	return m, nil
}

// Close releases the class reservations. Outstanding contiguous regions are
// the caller's to free first.
func (m *MmapAllocator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, c := range m.classes {
		if err := vmem.Release(c.region); err != nil && firstErr == nil {
			firstErr = err
		}
		c.region = nil
	}
	return firstErr
}

// Capacity returns the reservation size in pages.
func (m *MmapAllocator) Capacity() int { return m.capacity }

// InjectFailure arms a one-shot fault at the matching syscall site.
func (m *MmapAllocator) InjectFailure(f Failure) {
	m.mu.Lock()
	m.injected = f
	m.mu.Unlock()
}

// takeInjected consumes an armed fault of kind f. Caller holds mu.
func (m *MmapAllocator) takeInjected(f Failure) bool {
	if m.injected == f {
		m.injected = FailureNone
		return true
	}
	return false
}

func (m *MmapAllocator) AllocateNonContiguous(numPages int, out *Allocation, minSizeClass int) error {
	if numPages <= 0 {
		panic(fmt.Sprintf("mem: non-positive page count %d", numPages))
	}
	if !out.Empty() {
		m.FreeNonContiguous(out)
	}
	if testvalue.Fire(testValueMmapAllocate) {
		return ErrCapacity
	}
	start := time.Now()
	mix := allocationSize(m.classSizes, numPages, minSizeClass)

	m.mu.Lock()
	defer m.mu.Unlock()
	if int(m.allocated.Load())+mix.totalPages > m.capacity {
		return ErrCapacity
	}

	type pick struct {
		class     *mmapSizeClass
		unit      int
		wasMapped bool
	}
	var picks []pick
	newMapped := 0
	rollback := func() {
		for _, p := range picks {
			p.class.releaseUnit(p.unit)
			if !p.wasMapped {
				// Nothing was written, so the unit is still unbacked.
				p.class.clearMapped(p.unit)
			}
		}
	}
	for i, classIdx := range mix.classIndex {
		c := m.classes[classIdx]
		for u := 0; u < mix.unitCounts[i]; u++ {
			unit, wasMapped, ok := c.takeFreeUnit()
			if !ok {
				rollback()
				return ErrCapacity
			}
			picks = append(picks, pick{class: c, unit: unit, wasMapped: wasMapped})
			if !wasMapped {
				newMapped += c.unitPages
			}
		}
	}
	if err := m.ensureMappedBudgetLocked(newMapped); err != nil {
		rollback()
		return err
	}
	m.mapped.Add(int64(newMapped))
	m.allocated.Add(int64(mix.totalPages))
	for _, p := range picks {
		out.Append(p.class.unitSlice(p.unit))
	}
	out.owner = m
	m.stats.record(mix, m.classSizes, time.Since(start))
	return nil
}

func (m *MmapAllocator) FreeNonContiguous(alloc *Allocation) int {
	if alloc.Empty() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeNonContiguousLocked(alloc)
}

func (m *MmapAllocator) freeNonContiguousLocked(alloc *Allocation) int {
	freed := 0
	for i := 0; i < alloc.NumRuns(); i++ {
		run := alloc.RunAt(i)
		c, unit := m.locateRun(run)
		c.freeUnit(unit)
		freed += run.NumPages()
	}
	m.allocated.Add(int64(-freed))
	alloc.reset()
	return freed
}

// locateRun maps a run back to its size class and unit index.
func (m *MmapAllocator) locateRun(run PageRun) (*mmapSizeClass, int) {
	for _, c := range m.classes {
		if c.unitPages != run.NumPages() {
			continue
		}
		base := uintptr(unsafe.Pointer(&c.region[0]))
		p := uintptr(unsafe.Pointer(&run.data[0]))
		if p < base || p >= base+uintptr(len(c.region)) {
			continue
		}
		off := int(p - base)
		if off%c.unitBytes != 0 {
			panic(fmt.Sprintf("mem: run at %#x not unit-aligned in class %d", p, c.unitPages))
		}
		return c, off / c.unitBytes
	}
	panic(fmt.Sprintf("mem: run of %d pages does not belong to this allocator", run.NumPages()))
}

func (m *MmapAllocator) AllocateContiguous(numPages int, collateral *Allocation, out *ContiguousAllocation, cb GrowCallback) error {
	if numPages <= 0 {
		panic(fmt.Sprintf("mem: non-positive page count %d", numPages))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Collateral and the target's previous contents are consumed up front,
	// success or not.
	collateralPages := 0
	if collateral != nil && !collateral.Empty() {
		collateralPages += m.freeNonContiguousLocked(collateral)
	}
	if prior := out.NumPages(); prior > 0 {
		m.freeContiguousLocked(out)
		collateralPages += prior
	}
	// Requesting past capacity is a programmer error, not an allocation
	// failure. The collateral is still gone.
	if int(m.allocated.Load())+numPages > m.capacity {
		m.releaseCollateral(cb, collateralPages)
		panic(fmt.Sprintf("mem: contiguous request of %d pages exceeds capacity (%d of %d pages allocated)",
			numPages, m.allocated.Load(), m.capacity))
	}

	newPages := numPages - collateralPages
	reserved := false
	if cb != nil && newPages > 0 {
		if err := cb(int64(newPages)*PageSize, true); err != nil {
			m.releaseCollateral(cb, collateralPages)
			return err
		}
		reserved = true
	}
	fail := func(cause error) error {
		if reserved {
			cb(int64(newPages)*PageSize, false) //nolint:errcheck // release path
		}
		m.releaseCollateral(cb, collateralPages)
		return cause
	}
	// Stay inside the mapped budget: the new region commits numPages, so
	// idle mapped pages may have to give up their backing first.
	if m.takeInjected(FailureMadvise) {
		return fail(ErrMapFailed)
	}
	if toAdvise := int(m.mapped.Load()) + numPages - m.capacity; toAdvise > 0 {
		if err := m.adviseAwayLocked(toAdvise); err != nil {
			debugLogf("advise away %d pages: %v", toAdvise, err)
			return fail(ErrMapFailed)
		}
	}
	if m.takeInjected(FailureMmap) {
		return fail(ErrMapFailed)
	}
	region, err := vmem.Reserve(numPages * PageSize)
	if err != nil {
		debugLogf("map %d pages: %v", numPages, err)
		return fail(ErrMapFailed)
	}
	m.externalMapped += numPages
	m.mapped.Add(int64(numPages))
	m.allocated.Add(int64(numPages))
	if cb != nil && newPages < 0 {
		cb(int64(-newPages)*PageSize, false) //nolint:errcheck // release path
	}
	out.owner = m
	out.data = region
	return nil
}

// releaseCollateral reports consumed collateral to the callback on the
// failure paths.
func (m *MmapAllocator) releaseCollateral(cb GrowCallback, collateralPages int) {
	if cb != nil && collateralPages > 0 {
		cb(int64(collateralPages)*PageSize, false) //nolint:errcheck // release path
	}
}

// adviseAwayLocked drops the backing of at least numPages worth of
// free-mapped units. Whole units are advised, so slightly more than
// numPages may be released.
func (m *MmapAllocator) adviseAwayLocked(numPages int) error {
	remaining := numPages
	for i := len(m.classes) - 1; i >= 0 && remaining > 0; i-- {
		c := m.classes[i]
		for unit := 0; unit < c.numUnits && remaining > 0; unit++ {
			if !c.isMappedFree(unit) {
				continue
			}
			if err := vmem.Advise(c.unitSlice(unit)); err != nil {
				return err
			}
			c.clearMapped(unit)
			m.mapped.Add(int64(-c.unitPages))
			remaining -= c.unitPages
		}
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %d pages still over the mapped budget", ErrCapacity, remaining)
	}
	return nil
}

func (m *MmapAllocator) FreeContiguous(alloc *ContiguousAllocation) {
	if alloc.Empty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeContiguousLocked(alloc)
}

func (m *MmapAllocator) freeContiguousLocked(alloc *ContiguousAllocation) {
	pages := alloc.NumPages()
	if err := vmem.Release(alloc.Data()); err != nil {
		debugLogf("unmap %d pages: %v", pages, err)
	}
	m.externalMapped -= pages
	m.mapped.Add(int64(-pages))
	m.allocated.Add(int64(-pages))
	alloc.reset()
}

func (m *MmapAllocator) AllocateBytes(bytes int) ([]byte, error) {
	return allocateBytes(m, bytes)
}

func (m *MmapAllocator) FreeBytes(buf []byte) {
	freeBytes(m, buf)
}

func (m *MmapAllocator) NumAllocated() int { return int(m.allocated.Load()) }

func (m *MmapAllocator) NumMapped() int { return int(m.mapped.Load()) }

func (m *MmapAllocator) SizeClasses() []int { return m.classSizes }

func (m *MmapAllocator) LargestSizeClass() int {
	return m.classSizes[len(m.classSizes)-1]
}

func (m *MmapAllocator) Stats() Stats { return m.stats.snapshot() }

// CheckConsistency recounts the bitmaps under the full lock and checks them
// against the counters: class-allocated plus contiguous pages must equal
// the allocated counter, class-mapped plus contiguous the mapped counter,
// and neither may exceed capacity.
func (m *MmapAllocator) CheckConsistency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := true
	allocatedPages := m.externalMapped
	mappedPages := m.externalMapped
	for _, c := range m.classes {
		allocUnits := popcount(c.allocated)
		mappedUnits := popcount(c.mapped)
		if allocUnits != c.numAllocatedUnits || mappedUnits != c.numMappedUnits {
			debugLogf("class %d unit counts drifted: %d/%d allocated, %d/%d mapped",
				c.unitPages, allocUnits, c.numAllocatedUnits, mappedUnits, c.numMappedUnits)
			ok = false
		}
		for w := range c.allocated {
			if c.allocated[w]&^c.mapped[w] != 0 {
				debugLogf("class %d has allocated but unmapped units", c.unitPages)
				ok = false
			}
		}
		allocatedPages += allocUnits * c.unitPages
		mappedPages += mappedUnits * c.unitPages
	}
	if int64(allocatedPages) != m.allocated.Load() {
		debugLogf("allocated pages %d, counter %d", allocatedPages, m.allocated.Load())
		ok = false
	}
	if int64(mappedPages) != m.mapped.Load() {
		debugLogf("mapped pages %d, counter %d", mappedPages, m.mapped.Load())
		ok = false
	}
	if allocatedPages > m.capacity || mappedPages > m.capacity {
		debugLogf("over capacity: %d allocated, %d mapped, %d capacity",
			allocatedPages, mappedPages, m.capacity)
		ok = false
	}
	return ok
}

func (m *MmapAllocator) AddChild(tracker *UsageTracker) Allocator {
	return newScopedAllocator(m, tracker)
}

// ensureMappedBudgetLocked makes room for newMapped previously unmapped
// pages, advising idle mapped pages away when the budget would overflow.
func (m *MmapAllocator) ensureMappedBudgetLocked(newMapped int) error {
	if newMapped == 0 {
		return nil
	}
	over := int(m.mapped.Load()) + newMapped - m.capacity
	if over <= 0 {
		return nil
	}
	return m.adviseAwayLocked(over)
}

// takeFreeUnit claims a free unit, preferring one that is already mapped.
// Marks it allocated and mapped.
func (c *mmapSizeClass) takeFreeUnit() (unit int, wasMapped bool, ok bool) {
	if unit, ok := c.scan(func(w int) uint64 { return c.mapped[w] &^ c.allocated[w] }); ok {
		c.markAllocated(unit)
		return unit, true, true
	}
	if unit, ok := c.scan(func(w int) uint64 { return ^(c.allocated[w] | c.mapped[w]) }); ok {
		c.markAllocated(unit)
		c.setMapped(unit)
		return unit, false, true
	}
	return 0, false, false
}

// scan returns the first unit index whose word bit is set in eligible(w).
func (c *mmapSizeClass) scan(eligible func(w int) uint64) (int, bool) {
	for w := range c.allocated {
		mask := eligible(w)
		if w == len(c.allocated)-1 {
			if tail := c.numUnits - w*64; tail < 64 {
				mask &= (uint64(1) << uint(tail)) - 1
			}
		}
		if mask != 0 {
			return w*64 + bits.TrailingZeros64(mask), true
		}
	}
	return 0, false
}

func (c *mmapSizeClass) markAllocated(unit int) {
	c.allocated[unit/64] |= 1 << uint(unit%64)
	c.numAllocatedUnits++
}

// releaseUnit undoes takeFreeUnit's allocated mark on the rollback path;
// the caller decides what happens to the mapped bit.
func (c *mmapSizeClass) releaseUnit(unit int) {
	c.allocated[unit/64] &^= 1 << uint(unit%64)
	c.numAllocatedUnits--
}

func (c *mmapSizeClass) freeUnit(unit int) {
	if c.allocated[unit/64]&(1<<uint(unit%64)) == 0 {
		panic(fmt.Sprintf("mem: double free of unit %d in class %d", unit, c.unitPages))
	}
	c.allocated[unit/64] &^= 1 << uint(unit%64)
	c.numAllocatedUnits--
}

func (c *mmapSizeClass) setMapped(unit int) {
	c.mapped[unit/64] |= 1 << uint(unit%64)
	c.numMappedUnits++
}

func (c *mmapSizeClass) clearMapped(unit int) {
	c.mapped[unit/64] &^= 1 << uint(unit%64)
	c.numMappedUnits--
}

func (c *mmapSizeClass) isMappedFree(unit int) bool {
	word, bit := unit/64, uint64(1)<<uint(unit%64)
	return c.mapped[word]&bit != 0 && c.allocated[word]&bit == 0
}

func (c *mmapSizeClass) unitSlice(unit int) []byte {
	start := unit * c.unitBytes
	end := start + c.unitBytes
	return c.region[start:end:end]
}

func popcount(words []uint64) int {
	total := 0
	for _, w := range words {
		total += bits.OnesCount64(w)
	}
	return total
}

// Compile-time interface check
var _ Allocator = (*MmapAllocator)(nil)
