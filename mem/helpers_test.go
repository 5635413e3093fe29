package mem

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newTestMmapAllocator builds an mmap backend of capacityPages and tears it
// down with the test.
func newTestMmapAllocator(t testing.TB, capacityPages int) *MmapAllocator {
	t.Helper()
	m, err := NewMmapAllocator(MmapAllocatorOptions{
		Capacity: uint64(capacityPages) * PageSize,
	})
	require.NoError(t, err, "NewMmapAllocator should not error")
	require.Equal(t, capacityPages, m.Capacity())
	t.Cleanup(func() { m.Close() }) //nolint:errcheck // test teardown
	return m
}

// forEachBackend runs fn against both backends as subtests.
func forEachBackend(t *testing.T, capacityPages int, fn func(t *testing.T, backend Allocator, isMmap bool)) {
	t.Run("mmap", func(t *testing.T) {
		fn(t, newTestMmapAllocator(t, capacityPages), true)
	})
	t.Run("malloc", func(t *testing.T) {
		fn(t, NewMallocAllocator(), false)
	})
}

// fillPattern writes a distinct word sequence into every word of every run.
func fillPattern(a *Allocation, seed uint64) {
	for r := 0; r < a.NumRuns(); r++ {
		data := a.RunAt(r).Data()
		for off := 0; off < len(data); off += 8 {
			binary.LittleEndian.PutUint64(data[off:], seed+uint64(r)<<32+uint64(off))
		}
	}
}

// checkPattern verifies what fillPattern wrote, word by word.
func checkPattern(t testing.TB, a *Allocation, seed uint64) {
	t.Helper()
	for r := 0; r < a.NumRuns(); r++ {
		data := a.RunAt(r).Data()
		for off := 0; off < len(data); off += 8 {
			got := binary.LittleEndian.Uint64(data[off:])
			want := seed + uint64(r)<<32 + uint64(off)
			if got != want {
				t.Fatalf("pattern mismatch in run %d at offset %d: got %#x want %#x", r, off, got, want)
			}
		}
	}
}

// fillContiguous / checkContiguous mirror the run helpers for a flat region.
func fillContiguous(data []byte, seed uint64) {
	for off := 0; off+8 <= len(data); off += 8 {
		binary.LittleEndian.PutUint64(data[off:], seed+uint64(off))
	}
}

func checkContiguous(t testing.TB, data []byte, seed uint64) {
	t.Helper()
	for off := 0; off+8 <= len(data); off += 8 {
		got := binary.LittleEndian.Uint64(data[off:])
		if want := seed + uint64(off); got != want {
			t.Fatalf("pattern mismatch at offset %d: got %#x want %#x", off, got, want)
		}
	}
}

// allocateUntilRefused allocates numPages-sized allocations until the
// allocator refuses, verifying and returning the successful handles.
func allocateUntilRefused(t testing.TB, a Allocator, numPages, maxAttempts int) []*Allocation {
	t.Helper()
	var allocs []*Allocation
	for i := 0; i < maxAttempts; i++ {
		alloc := NewAllocation(a)
		if err := a.AllocateNonContiguous(numPages, alloc, 0); err != nil {
			require.True(t, alloc.Empty(), "failed allocation must leave the handle empty")
			break
		}
		require.GreaterOrEqual(t, alloc.NumPages(), numPages)
		allocs = append(allocs, alloc)
	}
	return allocs
}
