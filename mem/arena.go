package mem

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/joshuapare/memkit/internal/vmem"
)

// arenaGrain is the allocation granularity inside an Arena. Every interval
// offset and size is a multiple of this.
const arenaGrain = 64

// span is one free interval, in bytes from the arena base.
type span struct {
	offset int
	size   int
}

// Arena is a first-fit free-list allocator over a single reserved virtual
// range, independent of the page allocator. Free intervals are kept sorted
// by offset and coalesced on free, so free plus allocated always covers the
// range exactly.
//
// Not safe for concurrent use; ManagedArenas adds the lock.
type Arena struct {
	data           []byte
	capacity       int
	free           []span // sorted by offset, disjoint, non-adjacent
	allocatedBytes int
}

// NewArena reserves capacityBytes of virtual memory. The capacity is
// rounded up to the arena grain.
func NewArena(capacityBytes int) (*Arena, error) {
	capacity := roundUpGrain(capacityBytes)
	data, err := vmem.Reserve(capacity)
	if err != nil {
		return nil, err
	}
	return &Arena{
		data:     data,
		capacity: capacity,
		free:     []span{{offset: 0, size: capacity}},
	}, nil
}

// Close releases the reservation.
func (a *Arena) Close() error {
	err := vmem.Release(a.data)
	a.data = nil
	a.free = nil
	return err
}

// Allocate returns a range of exactly bytes, carved first-fit from the
// free list. The slice's capacity is pinned to the grain-rounded interval
// so Free can recover it.
func (a *Arena) Allocate(bytes int) ([]byte, error) {
	if bytes <= 0 {
		panic(fmt.Sprintf("mem: non-positive arena allocation of %d bytes", bytes))
	}
	size := roundUpGrain(bytes)
	for i := range a.free {
		s := &a.free[i]
		if s.size < size {
			continue
		}
		offset := s.offset
		s.offset += size
		s.size -= size
		if s.size == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.allocatedBytes += size
		return a.data[offset : offset+bytes : offset+size], nil
	}
	return nil, fmt.Errorf("%w: %d bytes in arena of %d", ErrArenaFull, bytes, a.capacity)
}

// Free returns an interval obtained from Allocate, coalescing it with
// adjacent free intervals.
func (a *Arena) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	offset := a.offsetOf(buf)
	size := roundUpGrain(cap(buf))
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].offset > offset })
	// Overlap with a neighbor means the interval was never allocated here.
	if i > 0 && a.free[i-1].offset+a.free[i-1].size > offset {
		panic(fmt.Sprintf("mem: double free at arena offset %d", offset))
	}
	if i < len(a.free) && offset+size > a.free[i].offset {
		panic(fmt.Sprintf("mem: double free at arena offset %d", offset))
	}
	joinPrev := i > 0 && a.free[i-1].offset+a.free[i-1].size == offset
	joinNext := i < len(a.free) && a.free[i].offset == offset+size
	switch {
	case joinPrev && joinNext:
		a.free[i-1].size += size + a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	case joinPrev:
		a.free[i-1].size += size
	case joinNext:
		a.free[i].offset = offset
		a.free[i].size += size
	default:
		a.free = append(a.free, span{})
		copy(a.free[i+1:], a.free[i:])
		a.free[i] = span{offset: offset, size: size}
	}
	a.allocatedBytes -= size
}

// Contains reports whether buf lies inside this arena's range.
func (a *Arena) Contains(buf []byte) bool {
	if len(a.data) == 0 || len(buf) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&a.data[0]))
	p := uintptr(unsafe.Pointer(&buf[0]))
	return p >= base && p < base+uintptr(a.capacity)
}

func (a *Arena) offsetOf(buf []byte) int {
	if !a.Contains(buf) {
		panic("mem: free of bytes outside arena")
	}
	return int(uintptr(unsafe.Pointer(&buf[0])) - uintptr(unsafe.Pointer(&a.data[0])))
}

// Empty reports whether nothing is allocated.
func (a *Arena) Empty() bool { return a.allocatedBytes == 0 }

// Capacity returns the arena size in bytes.
func (a *Arena) Capacity() int { return a.capacity }

// Address returns the arena's base pointer.
func (a *Arena) Address() []byte { return a.data }

// CheckConsistency verifies the free list is sorted, disjoint, in range,
// and together with the allocated total covers the capacity exactly.
func (a *Arena) CheckConsistency() bool {
	ok := true
	freeBytes := 0
	prevEnd := -1
	for _, s := range a.free {
		if s.size <= 0 || s.offset < 0 || s.offset+s.size > a.capacity {
			debugLogf("arena interval (%d,%d) out of range", s.offset, s.size)
			ok = false
		}
		if s.offset <= prevEnd {
			debugLogf("arena intervals overlap or touch at %d", s.offset)
			ok = false
		}
		prevEnd = s.offset + s.size
		freeBytes += s.size
	}
	if freeBytes+a.allocatedBytes != a.capacity {
		debugLogf("arena coverage %d free + %d allocated != %d capacity",
			freeBytes, a.allocatedBytes, a.capacity)
		ok = false
	}
	return ok
}

// ManagedArenas owns an ordered collection of arenas of one capacity.
// Requests try each arena in turn and grow the collection when
// fragmentation defeats them all. An arena that empties out is discarded
// unless it is the most recently added one.
type ManagedArenas struct {
	mu            sync.Mutex
	arenaCapacity int
	arenas        []*Arena
}

// NewManagedArenas returns a collection with one arena of capacityBytes.
func NewManagedArenas(capacityBytes int) (*ManagedArenas, error) {
	first, err := NewArena(capacityBytes)
	if err != nil {
		return nil, err
	}
	return &ManagedArenas{
		arenaCapacity: first.Capacity(),
		arenas:        []*Arena{first},
	}, nil
}

// Allocate returns bytes from the first arena that can serve the request,
// appending a fresh arena when none can.
func (m *ManagedArenas) Allocate(bytes int) ([]byte, error) {
	if roundUpGrain(bytes) > m.arenaCapacity {
		return nil, fmt.Errorf("%w: %d bytes above arena capacity %d", ErrArenaFull, bytes, m.arenaCapacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.arenas {
		if buf, err := a.Allocate(bytes); err == nil {
			return buf, nil
		}
	}
	fresh, err := NewArena(m.arenaCapacity)
	if err != nil {
		return nil, err
	}
	m.arenas = append(m.arenas, fresh)
	return fresh.Allocate(bytes)
}

// Free returns buf to its owning arena.
func (m *ManagedArenas) Free(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.arenas {
		if !a.Contains(buf) {
			continue
		}
		a.Free(buf)
		if a.Empty() && len(m.arenas) > 1 && i != len(m.arenas)-1 {
			if err := a.Close(); err != nil {
				debugLogf("close drained arena: %v", err)
			}
			m.arenas = append(m.arenas[:i], m.arenas[i+1:]...)
		}
		return
	}
	panic("mem: free of bytes outside every arena")
}

// NumArenas returns the current collection size.
func (m *ManagedArenas) NumArenas() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arenas)
}

// CheckConsistency verifies every arena.
func (m *ManagedArenas) CheckConsistency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.arenas {
		if !a.CheckConsistency() {
			return false
		}
	}
	return true
}

// Close releases every arena.
func (m *ManagedArenas) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, a := range m.arenas {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.arenas = nil
	return firstErr
}

func roundUpGrain(bytes int) int {
	return (bytes + arenaGrain - 1) &^ (arenaGrain - 1)
}
