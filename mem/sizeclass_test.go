package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSizeClasses(t *testing.T) {
	require.NoError(t, validateSizeClasses(DefaultSizeClasses))
	require.NoError(t, validateSizeClasses([]int{1, 4, 16}))

	assert.Error(t, validateSizeClasses(nil))
	assert.Error(t, validateSizeClasses([]int{2, 1}), "descending")
	assert.Error(t, validateSizeClasses([]int{1, 3}), "not a power of two")
	assert.Error(t, validateSizeClasses([]int{4, 4}), "duplicate")
}

func TestAllocationSize_ExactClass(t *testing.T) {
	for _, size := range DefaultSizeClasses {
		mix := allocationSize(DefaultSizeClasses, size, 0)
		require.Equal(t, size, mix.totalPages)
		require.Len(t, mix.classIndex, 1)
		assert.Equal(t, size, DefaultSizeClasses[mix.classIndex[0]])
		assert.Equal(t, 1, mix.unitCounts[0])
	}
}

func TestAllocationSize_Composite(t *testing.T) {
	// 3 pages: one 2-page unit plus one 1-page unit; the 4-page class
	// overshoots by more than an eighth of itself.
	mix := allocationSize(DefaultSizeClasses, 3, 0)
	assert.Equal(t, 3, mix.totalPages)
	assert.Equal(t, []int{1, 0}, mix.classIndex)
	assert.Equal(t, []int{1, 1}, mix.unitCounts)

	// 300 pages: one 256 run and covering change.
	mix = allocationSize(DefaultSizeClasses, 300, 0)
	assert.GreaterOrEqual(t, mix.totalPages, 300)
	assert.Equal(t, 8, mix.classIndex[0], "largest class leads")

	// The total never falls short.
	for pages := 1; pages <= 600; pages++ {
		mix := allocationSize(DefaultSizeClasses, pages, 0)
		require.GreaterOrEqual(t, mix.totalPages, pages, "pages=%d", pages)
	}
}

func TestAllocationSize_MinSizeClass(t *testing.T) {
	largest := DefaultSizeClasses[len(DefaultSizeClasses)-1]

	// One page over the largest class rounds up to two largest runs.
	mix := allocationSize(DefaultSizeClasses, largest+1, largest)
	assert.Equal(t, 2*largest, mix.totalPages)
	for _, idx := range mix.classIndex {
		assert.GreaterOrEqual(t, DefaultSizeClasses[idx], largest)
	}

	// Every unit respects the floor even for small requests.
	mix = allocationSize(DefaultSizeClasses, 3, 16)
	assert.Equal(t, 16, mix.totalPages)
	for _, idx := range mix.classIndex {
		assert.GreaterOrEqual(t, DefaultSizeClasses[idx], 16)
	}
}

func TestAllocationSize_MinSizeClassAboveLargestPanics(t *testing.T) {
	require.Panics(t, func() { allocationSize(DefaultSizeClasses, 1, 512) })
}

func TestClassIndexFor(t *testing.T) {
	assert.Equal(t, 0, classIndexFor(DefaultSizeClasses, 1))
	assert.Equal(t, 2, classIndexFor(DefaultSizeClasses, 3))
	assert.Equal(t, 8, classIndexFor(DefaultSizeClasses, 256))
	assert.Equal(t, -1, classIndexFor(DefaultSizeClasses, 257))
}
