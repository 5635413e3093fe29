package mem

import (
	"fmt"
	"strings"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// ClassStats accumulates allocation traffic for one size class.
type ClassStats struct {
	Size           int // pages per run
	Clocks         time.Duration
	TotalBytes     int64
	NumAllocations int64
}

// Stats is a snapshot of per-class allocation statistics.
type Stats struct {
	Sizes []ClassStats
}

// String renders the snapshot with human-readable byte counts, skipping
// classes that saw no traffic.
func (s Stats) String() string {
	var b strings.Builder
	for _, cs := range s.Sizes {
		if cs.NumAllocations == 0 {
			continue
		}
		fmt.Fprintf(&b, "class %4d pages: %8s allocs, %10s, %v\n",
			cs.Size,
			humanize.Comma(cs.NumAllocations),
			humanize.Bytes(uint64(cs.TotalBytes)),
			cs.Clocks)
	}
	if b.Len() == 0 {
		return "no allocations\n"
	}
	return b.String()
}

// statsCounters is the mutable accumulator behind Stats.
type statsCounters struct {
	mu    sync.Mutex
	sizes []ClassStats
}

func newStatsCounters(classes []int) *statsCounters {
	sizes := make([]ClassStats, len(classes))
	for i, size := range classes {
		sizes[i].Size = size
	}
	return &statsCounters{sizes: sizes}
}

// record charges one allocation's traffic to every class in its mix.
func (s *statsCounters) record(mix sizeMix, classes []int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, classIdx := range mix.classIndex {
		units := int64(mix.unitCounts[i])
		cs := &s.sizes[classIdx]
		cs.NumAllocations += units
		cs.TotalBytes += units * int64(classes[classIdx]) * PageSize
		cs.Clocks += elapsed
	}
}

func (s *statsCounters) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]ClassStats, len(s.sizes))
	copy(sizes, s.sizes)
	return Stats{Sizes: sizes}
}
