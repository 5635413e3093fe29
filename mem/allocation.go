package mem

import "fmt"

// Allocation owns an ordered set of page runs produced by one successful
// non-contiguous allocation. Runs may land in any address order; the page
// total is the sum of the run lengths. The zero value is empty and owns
// nothing.
type Allocation struct {
	owner    Allocator
	runs     []PageRun
	numPages int
}

// NewAllocation returns an empty Allocation bound to owner. Clear releases
// the pages back to owner; an Allocation built with a nil owner only drops
// its run list.
func NewAllocation(owner Allocator) *Allocation {
	return &Allocation{owner: owner}
}

// Append adds a run to the allocation. data must be a whole number of
// pages.
func (a *Allocation) Append(data []byte) {
	if len(data) == 0 || len(data)%PageSize != 0 {
		panic(fmt.Sprintf("mem: run of %d bytes is not a whole page count", len(data)))
	}
	a.runs = append(a.runs, PageRun{data: data})
	a.numPages += len(data) / PageSize
}

// NumRuns returns the number of runs.
func (a *Allocation) NumRuns() int { return len(a.runs) }

// NumPages returns the total page count across all runs.
func (a *Allocation) NumPages() int { return a.numPages }

// Empty reports whether the allocation holds no pages.
func (a *Allocation) Empty() bool { return a.numPages == 0 }

// RunAt returns the i-th run.
func (a *Allocation) RunAt(i int) PageRun { return a.runs[i] }

// FindRun locates the run containing the given byte offset into the
// allocation's pages, walking runs in append order. Returns the run index
// and the offset within that run. Offsets past the last page panic.
func (a *Allocation) FindRun(offset int64) (runIndex int, offsetInRun int64) {
	for i, run := range a.runs {
		size := int64(run.NumBytes())
		if offset < size {
			return i, offset
		}
		offset -= size
	}
	panic(fmt.Sprintf("mem: offset %d beyond allocation of %d pages", offset, a.numPages))
}

// MoveTo transfers the runs and owner to dst, leaving the source empty.
// dst must be empty.
func (a *Allocation) MoveTo(dst *Allocation) {
	if !dst.Empty() {
		panic("mem: move into non-empty allocation")
	}
	dst.owner = a.owner
	dst.runs = a.runs
	dst.numPages = a.numPages
	a.runs = nil
	a.numPages = 0
}

// Clear releases the pages to the owning allocator. Clearing an empty
// allocation is a no-op; without an owner only the run list is dropped.
func (a *Allocation) Clear() {
	if a.Empty() {
		return
	}
	if a.owner == nil {
		a.reset()
		return
	}
	a.owner.FreeNonContiguous(a)
}

// reset drops the run list without releasing pages.
func (a *Allocation) reset() {
	a.runs = nil
	a.numPages = 0
}

// ContiguousAllocation owns a single mapped run and its byte size. The zero
// value is empty.
type ContiguousAllocation struct {
	owner Allocator
	data  []byte
}

// Data returns the mapped bytes.
func (a *ContiguousAllocation) Data() []byte { return a.data }

// NumPages returns the run length in pages.
func (a *ContiguousAllocation) NumPages() int { return len(a.data) / PageSize }

// Size returns the run length in bytes.
func (a *ContiguousAllocation) Size() int64 { return int64(len(a.data)) }

// Empty reports whether the allocation holds no pages.
func (a *ContiguousAllocation) Empty() bool { return len(a.data) == 0 }

// MoveTo transfers the run and owner to dst, leaving the source empty. dst
// must be empty.
func (a *ContiguousAllocation) MoveTo(dst *ContiguousAllocation) {
	if !dst.Empty() {
		panic("mem: move into non-empty allocation")
	}
	dst.owner = a.owner
	dst.data = a.data
	a.data = nil
}

// Clear releases the region to the owning allocator. Clearing an empty
// allocation is a no-op.
func (a *ContiguousAllocation) Clear() {
	if a.Empty() {
		return
	}
	if a.owner == nil {
		a.reset()
		return
	}
	a.owner.FreeContiguous(a)
}

func (a *ContiguousAllocation) reset() {
	a.data = nil
}

// detach forgets the region without releasing it. The byte-size API hands
// the raw region to the caller and reconstructs the handle in FreeBytes.
func (a *ContiguousAllocation) detach() []byte {
	data := a.data
	a.data = nil
	return data
}
