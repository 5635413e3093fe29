package mem

import (
	"fmt"
	"math/bits"
)

// DefaultSizeClasses is the ascending list of run sizes, in pages,
// maintained as segregated free pools. The largest class bounds the biggest
// single run; larger requests produce multiple runs or a contiguous
// allocation.
var DefaultSizeClasses = []int{1, 2, 4, 8, 16, 32, 64, 128, 256}

// validateSizeClasses checks that sizes are ascending powers of two.
func validateSizeClasses(sizes []int) error {
	if len(sizes) == 0 {
		return fmt.Errorf("mem: empty size class list")
	}
	prev := 0
	for _, size := range sizes {
		if size <= prev || bits.OnesCount(uint(size)) != 1 {
			return fmt.Errorf("mem: size classes must be ascending powers of two, got %v", sizes)
		}
		prev = size
	}
	return nil
}

// sizeMix is the per-class composition of one non-contiguous allocation.
type sizeMix struct {
	classIndex []int
	unitCounts []int
	totalPages int
}

// allocationSize picks the run composition for a request of numPages with
// every run at least minSizeClass pages. Classes are taken largest-first; a
// class whose unit overshoots the remaining need by more than an eighth of
// itself is skipped unless it is the smallest permissible class, which
// rounds the remainder up to one more unit. The total may therefore exceed
// numPages.
func allocationSize(classes []int, numPages, minSizeClass int) sizeMix {
	largest := classes[len(classes)-1]
	if minSizeClass > largest {
		panic(fmt.Sprintf("mem: minSizeClass %d above largest class %d", minSizeClass, largest))
	}
	var mix sizeMix
	needed := numPages
	for i := len(classes) - 1; i >= 0; i-- {
		size := classes[i]
		smallest := i == 0 || classes[i-1] < minSizeClass
		if size > needed+sizeOvershoot(size, smallest) && !smallest {
			continue
		}
		units := needed / size
		if units < 1 {
			units = 1
		}
		needed -= units * size
		if smallest && needed > 0 {
			units++
			needed -= size
		}
		mix.classIndex = append(mix.classIndex, i)
		mix.unitCounts = append(mix.unitCounts, units)
		mix.totalPages += units * size
		if needed <= 0 {
			break
		}
	}
	return mix
}

func sizeOvershoot(size int, smallest bool) int {
	if smallest {
		return 0
	}
	return size / 8
}

// classIndexFor returns the index of the smallest class holding at least
// numPages, or -1 when numPages exceeds the largest class.
func classIndexFor(classes []int, numPages int) int {
	for i, size := range classes {
		if size >= numPages {
			return i
		}
	}
	return -1
}
