package mem

import (
	"fmt"
	"sync/atomic"
)

// MaxMallocBytes is the small-bucket threshold: requests at or below it go
// to the system heap instead of a size-class run.
const MaxMallocBytes = 3072

// BytesStats holds the outstanding byte totals per AllocateBytes bucket.
// Totals are process-wide across all allocator instances.
type BytesStats struct {
	TotalSmall         int64
	TotalInSizeClasses int64
	TotalLarge         int64
}

var bytesStats struct {
	small     atomic.Int64
	inClasses atomic.Int64
	large     atomic.Int64
}

// AllocateBytesStats returns the outstanding totals per bucket.
func AllocateBytesStats() BytesStats {
	return BytesStats{
		TotalSmall:         bytesStats.small.Load(),
		TotalInSizeClasses: bytesStats.inClasses.Load(),
		TotalLarge:         bytesStats.large.Load(),
	}
}

// TestingClearAllocateBytesStats resets the bucket totals. Test hook.
func TestingClearAllocateBytesStats() {
	bytesStats.small.Store(0)
	bytesStats.inClasses.Store(0)
	bytesStats.large.Store(0)
}

// allocateBytes routes a byte-sized request to the bucket matching its
// size. The returned slice's capacity is pinned to the underlying run so
// freeBytes can recover the full extent.
func allocateBytes(a Allocator, bytes int) ([]byte, error) {
	if bytes < 0 {
		panic(fmt.Sprintf("mem: negative byte count %d", bytes))
	}
	if bytes <= MaxMallocBytes {
		bytesStats.small.Add(int64(bytes))
		return make([]byte, bytes), nil
	}
	numPages := pagesForBytes(bytes)
	if classIdx := classIndexFor(a.SizeClasses(), numPages); classIdx >= 0 {
		classPages := a.SizeClasses()[classIdx]
		alloc := NewAllocation(a)
		if err := a.AllocateNonContiguous(classPages, alloc, classPages); err != nil {
			return nil, err
		}
		run := alloc.RunAt(0)
		// Hand the run to the caller; the handle is discarded without
		// freeing and rebuilt in freeBytes.
		alloc.reset()
		bytesStats.inClasses.Add(int64(run.NumBytes()))
		return run.Data()[:bytes], nil
	}
	var out ContiguousAllocation
	if err := a.AllocateContiguous(numPages, nil, &out, nil); err != nil {
		return nil, err
	}
	bytesStats.large.Add(out.Size())
	return out.detach()[:bytes], nil
}

// freeBytes releases a slice returned by allocateBytes, routing by the
// full extent of its underlying run.
func freeBytes(a Allocator, buf []byte) {
	if len(buf) == 0 {
		return
	}
	if len(buf) <= MaxMallocBytes {
		bytesStats.small.Add(int64(-len(buf)))
		return
	}
	full := buf[:cap(buf)]
	if len(full) <= a.LargestSizeClass()*PageSize {
		alloc := NewAllocation(a)
		alloc.Append(full)
		a.FreeNonContiguous(alloc)
		bytesStats.inClasses.Add(int64(-len(full)))
		return
	}
	out := ContiguousAllocation{owner: a, data: full}
	a.FreeContiguous(&out)
	bytesStats.large.Add(int64(-len(full)))
}
