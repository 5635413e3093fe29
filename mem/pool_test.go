package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAllocationPool_CursorSchedule walks the documented cursor behavior:
// small requests bump within the current chunk, an oversized request gets a
// dedicated allocation without touching the cursor, and exhausted chunks
// roll over to a fresh one.
func TestAllocationPool_CursorSchedule(t *testing.T) {
	forEachBackend(t, 2048, func(t *testing.T, backend Allocator, isMmap bool) {
		tracker := NewUsageTracker(UsageConfig{})
		instance := backend.AddChild(tracker)
		largest := instance.LargestSizeClass()
		pool := NewAllocationPool(instance)

		_, err := pool.AllocateFixed(10)
		require.NoError(t, err)
		assert.Equal(t, 1, pool.NumTotalAllocations())
		assert.Equal(t, 0, pool.CurrentRunIndex())
		assert.Equal(t, 10, pool.CurrentOffset())

		// Twice the largest class: a dedicated allocation, cursor parked.
		_, err = pool.AllocateFixed(largest * 2 * PageSize)
		require.NoError(t, err)
		assert.Equal(t, 2, pool.NumTotalAllocations())
		assert.Equal(t, 0, pool.CurrentRunIndex())
		assert.Equal(t, 10, pool.CurrentOffset())

		_, err = pool.AllocateFixed(20)
		require.NoError(t, err)
		assert.Equal(t, 2, pool.NumTotalAllocations())
		assert.Equal(t, 0, pool.CurrentRunIndex())
		assert.Equal(t, 30, pool.CurrentOffset())

		// Leaving 10 bytes of room in a fresh 128-page chunk.
		_, err = pool.AllocateFixed(128*PageSize - 10)
		require.NoError(t, err)
		assert.Equal(t, 3, pool.NumTotalAllocations())
		assert.Equal(t, 0, pool.CurrentRunIndex())
		assert.Equal(t, 128*PageSize-10, pool.CurrentOffset())

		_, err = pool.AllocateFixed(5)
		require.NoError(t, err)
		assert.Equal(t, 3, pool.NumTotalAllocations())
		assert.Equal(t, 0, pool.CurrentRunIndex())
		assert.Equal(t, 128*PageSize-5, pool.CurrentOffset())

		_, err = pool.AllocateFixed(100)
		require.NoError(t, err)
		assert.Equal(t, 4, pool.NumTotalAllocations())
		assert.Equal(t, 0, pool.CurrentRunIndex())
		assert.Equal(t, 100, pool.CurrentOffset())

		pool.Clear()
		assert.Equal(t, 0, pool.NumTotalAllocations())
		assert.Equal(t, 0, instance.NumAllocated())
		assert.Equal(t, int64(0), tracker.CurrentBytes())
		require.True(t, instance.CheckConsistency())
	})
}

// TestAllocationPool_GrowthDoubles watches the chunk schedule: 1 page,
// then doubling, capped at the largest class.
func TestAllocationPool_GrowthDoubles(t *testing.T) {
	backend := newTestMmapAllocator(t, 2048)
	pool := NewAllocationPool(backend)

	// Each request exactly fills the next chunk in the schedule, so every
	// one forces a new allocation of the doubled size.
	for i, chunkPages := range []int{1, 2, 4, 8, 16} {
		_, err := pool.AllocateFixed(chunkPages * PageSize)
		require.NoError(t, err)
		assert.Equal(t, i+1, pool.NumTotalAllocations())
		assert.Equal(t, chunkPages*PageSize, pool.CurrentOffset())
	}
	// The next chunk doubles again even for a tiny request.
	_, err := pool.AllocateFixed(1)
	require.NoError(t, err)
	assert.Equal(t, 6, pool.NumTotalAllocations())
	assert.Equal(t, 1, pool.CurrentOffset())
	assert.Equal(t, 1+2+4+8+16+32, backend.NumAllocated())

	pool.Clear()
	assert.Equal(t, 0, backend.NumAllocated())
}

// TestAllocationPool_WritesSurviveGrowth stamps every handed-out range and
// rereads after the pool has grown several times.
func TestAllocationPool_WritesSurviveGrowth(t *testing.T) {
	backend := newTestMmapAllocator(t, 2048)
	tracker := NewUsageTracker(UsageConfig{})
	instance := backend.AddChild(tracker)
	pool := NewAllocationPool(instance)

	var bufs [][]byte
	for i := 0; i < 200; i++ {
		buf, err := pool.AllocateFixed(1000 + i*37)
		require.NoError(t, err)
		for j := range buf {
			buf[j] = byte(i)
		}
		bufs = append(bufs, buf)
	}
	for i, buf := range bufs {
		for _, b := range buf {
			require.Equal(t, byte(i), b, "range %d", i)
		}
	}
	pool.Clear()
	assert.Equal(t, 0, instance.NumAllocated())
	assert.Equal(t, int64(0), tracker.CurrentBytes())
}
