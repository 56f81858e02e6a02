package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Buffer Allocation Tests
// ============================================================================

func TestBufferAllocation(t *testing.T) {
	pool := NewPool(nil)

	t.Run("AllocatesSmallBuffer", func(t *testing.T) {
		buf := pool.Get(100)
		defer pool.Put(buf)

		assert.GreaterOrEqual(t, len(buf), 100)
		assert.Equal(t, DefaultSmallSize, cap(buf))
	})

	t.Run("AllocatesMediumBuffer", func(t *testing.T) {
		buf := pool.Get(10 * 1024)
		defer pool.Put(buf)

		assert.GreaterOrEqual(t, len(buf), 10*1024)
		assert.Equal(t, DefaultMediumSize, cap(buf))
	})

	t.Run("AllocatesLargeBuffer", func(t *testing.T) {
		buf := pool.Get(100 * 1024)
		defer pool.Put(buf)

		assert.GreaterOrEqual(t, len(buf), 100*1024)
		assert.Equal(t, DefaultLargeSize, cap(buf))
	})

	t.Run("AllocatesOversizedChunk", func(t *testing.T) {
		// Larger than DefaultLargeSize: a coalesced run of small-block
		// references (matcher.Matcher merges adjacent small-block matches
		// into one REFERENCE packet) can exceed it.
		buf := pool.Get(2 * 1024 * 1024)
		defer pool.Put(buf)

		assert.GreaterOrEqual(t, len(buf), 2*1024*1024)
		assert.Equal(t, len(buf), cap(buf))
	})

	t.Run("AllocatesZeroSizeBuffer", func(t *testing.T) {
		buf := pool.Get(0)
		defer pool.Put(buf)

		assert.NotNil(t, buf)
		assert.Equal(t, DefaultSmallSize, cap(buf))
	})
}

// ============================================================================
// Size Class Tests
// ============================================================================

func TestBufferSizeClasses(t *testing.T) {
	pool := NewPool(nil)

	t.Run("BoundarySmallToMedium", func(t *testing.T) {
		buf := pool.Get(DefaultSmallSize)
		defer pool.Put(buf)

		assert.Equal(t, DefaultSmallSize, len(buf))
		assert.Equal(t, DefaultSmallSize, cap(buf))
	})

	t.Run("BoundaryMediumToLarge", func(t *testing.T) {
		buf := pool.Get(DefaultMediumSize)
		defer pool.Put(buf)

		assert.Equal(t, DefaultMediumSize, len(buf))
		assert.Equal(t, DefaultMediumSize, cap(buf))
	})

	t.Run("BoundaryLargeToOversized", func(t *testing.T) {
		buf := pool.Get(DefaultLargeSize)
		defer pool.Put(buf)

		assert.Equal(t, DefaultLargeSize, len(buf))
		assert.Equal(t, DefaultLargeSize, cap(buf))
	})

	t.Run("JustAboveSmall", func(t *testing.T) {
		buf := pool.Get(DefaultSmallSize + 1)
		defer pool.Put(buf)

		assert.Equal(t, DefaultMediumSize, cap(buf))
	})

	t.Run("JustAboveMedium", func(t *testing.T) {
		buf := pool.Get(DefaultMediumSize + 1)
		defer pool.Put(buf)

		assert.Equal(t, DefaultLargeSize, cap(buf))
	})

	t.Run("JustAboveLarge", func(t *testing.T) {
		buf := pool.Get(DefaultLargeSize + 1)
		defer pool.Put(buf)

		assert.GreaterOrEqual(t, len(buf), DefaultLargeSize+1)
	})
}

// ============================================================================
// Put and Reuse Tests
// ============================================================================

func TestBufferPutAndReuse(t *testing.T) {
	pool := NewPool(nil)

	t.Run("ReusesReturnedSmallBuffer", func(t *testing.T) {
		buf1 := pool.Get(1024)
		pool.Put(buf1)

		buf2 := pool.Get(1024)
		pool.Put(buf2)

		assert.Equal(t, cap(buf1), cap(buf2))
	})

	t.Run("HandlesNilPut", func(t *testing.T) {
		require.NotPanics(t, func() {
			pool.Put(nil)
		})
	})

	t.Run("HandlesEmptySlicePut", func(t *testing.T) {
		require.NotPanics(t, func() {
			pool.Put([]byte{})
		})
	})

	t.Run("DoesNotPoolOversizedChunk", func(t *testing.T) {
		buf := pool.Get(2 * 1024 * 1024)
		originalCap := cap(buf)
		pool.Put(buf)

		buf2 := pool.Get(2 * 1024 * 1024)
		defer pool.Put(buf2)

		assert.Equal(t, len(buf2), cap(buf2))
		assert.Equal(t, originalCap, len(buf))
	})
}

// ============================================================================
// Custom Pool Tests
//
// pipeline.Pipeline and resolver.Resolver each receive their own *Pool
// rather than sharing package state, so a non-default Config (as a
// smaller-block archive's engine would construct) is exercised here
// directly rather than through a package-level convenience function.
// ============================================================================

func TestCustomPool(t *testing.T) {
	t.Run("SmallBlockArchiveSizes", func(t *testing.T) {
		// Matches a small-block/large-block configuration below the
		// package defaults.
		pool := NewPool(&Config{
			SmallSize:  1024,
			MediumSize: 8192,
			LargeSize:  65536,
		})

		small := pool.Get(500)
		assert.Equal(t, 1024, cap(small))
		pool.Put(small)

		medium := pool.Get(2000)
		assert.Equal(t, 8192, cap(medium))
		pool.Put(medium)

		large := pool.Get(10000)
		assert.Equal(t, 65536, cap(large))
		pool.Put(large)
	})

	t.Run("NilConfig", func(t *testing.T) {
		pool := NewPool(nil)

		buf := pool.Get(100)
		assert.Equal(t, DefaultSmallSize, cap(buf))
		pool.Put(buf)
	})

	t.Run("ZeroConfigValues", func(t *testing.T) {
		pool := NewPool(&Config{})

		buf := pool.Get(100)
		assert.Equal(t, DefaultSmallSize, cap(buf))
		pool.Put(buf)
	})
}

// ============================================================================
// Edge Cases Tests
// ============================================================================

func TestBufferPoolEdgeCases(t *testing.T) {
	pool := NewPool(nil)

	t.Run("MultipleGetWithoutPut", func(t *testing.T) {
		// Models pipeline.Pipeline's worker slots each holding their own
		// input buffer concurrently before any is returned.
		buffers := make([][]byte, 10)
		for i := range buffers {
			buffers[i] = pool.Get(1024)
			assert.NotNil(t, buffers[i])
		}

		for _, buf := range buffers {
			pool.Put(buf)
		}
	})

	t.Run("PutWithoutGet", func(t *testing.T) {
		buf := make([]byte, DefaultSmallSize)

		require.NotPanics(t, func() {
			pool.Put(buf)
		})
	})

	t.Run("GetPutGetSequence", func(t *testing.T) {
		// Models resolver.Resolver.resolveFromChunk's scratch buffer for
		// a REFERENCE packet: fetched, used for one recursive Resolve
		// call, then returned before the next packet is processed.
		for i := 0; i < 5; i++ {
			buf := pool.Get(1024)
			assert.NotNil(t, buf)
			assert.GreaterOrEqual(t, len(buf), 1024)
			pool.Put(buf)
		}
	})

	t.Run("DifferentSizesInterleaved", func(t *testing.T) {
		small := pool.Get(1024)
		medium := pool.Get(10 * 1024)
		large := pool.Get(100 * 1024)

		assert.Equal(t, DefaultSmallSize, cap(small))
		assert.Equal(t, DefaultMediumSize, cap(medium))
		assert.Equal(t, DefaultLargeSize, cap(large))

		pool.Put(medium)
		pool.Put(small)
		pool.Put(large)
	})
}

// ============================================================================
// Concurrency Tests
//
// pipeline.Pipeline runs one goroutine per worker slot, each calling
// Get/Put on the same *Pool; these tests exercise that shape directly.
// ============================================================================

func TestBufferPoolConcurrency(t *testing.T) {
	t.Run("ConcurrentGetAndPut", func(t *testing.T) {
		pool := NewPool(nil)
		const numGoroutines = 10
		const iterations = 100

		var wg sync.WaitGroup
		wg.Add(numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()

				for j := 0; j < iterations; j++ {
					size := (id*100 + j) % (500 * 1024)
					buf := pool.Get(size)

					if len(buf) > 0 {
						buf[0] = byte(id)
					}

					pool.Put(buf)
				}
			}(i)
		}

		wg.Wait()
	})

	t.Run("ConcurrentSameSizeClass", func(t *testing.T) {
		pool := NewPool(nil)
		const numGoroutines = 20
		const iterations = 50

		var wg sync.WaitGroup
		wg.Add(numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()

				for j := 0; j < iterations; j++ {
					buf := pool.Get(1024)
					assert.NotNil(t, buf)
					pool.Put(buf)
				}
			}()
		}

		wg.Wait()
	})

	t.Run("NoDataRaces", func(t *testing.T) {
		pool := NewPool(nil)
		const numGoroutines = 5
		var wg sync.WaitGroup
		wg.Add(numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				buf := pool.Get(1024)
				for j := range buf {
					buf[j] = byte(j % 256)
				}
				pool.Put(buf)
			}()
		}

		wg.Wait()
	})

	t.Run("CustomPoolConcurrent", func(t *testing.T) {
		pool := NewPool(&Config{
			SmallSize:  512,
			MediumSize: 4096,
			LargeSize:  32768,
		})

		const numGoroutines = 10
		var wg sync.WaitGroup
		wg.Add(numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					buf := pool.Get(256)
					pool.Put(buf)
				}
			}()
		}

		wg.Wait()
	})
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkGet(b *testing.B) {
	pool := NewPool(nil)

	b.Run("Small", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := pool.Get(1024)
			pool.Put(buf)
		}
	})

	b.Run("Medium", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := pool.Get(32 * 1024)
			pool.Put(buf)
		}
	})

	b.Run("Large", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := pool.Get(512 * 1024)
			pool.Put(buf)
		}
	})
}

func BenchmarkGetParallel(b *testing.B) {
	pool := NewPool(nil)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := pool.Get(1024)
			pool.Put(buf)
		}
	})
}
