package core

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	t.Run("Get and Put", func(t *testing.T) {
		pool := NewBufferPool(128, 4)

		buf := pool.Get()
		require.NotNil(t, buf)
		assert.GreaterOrEqual(t, buf.Cap(), 128)
		buf.WriteString("hello world")
		pool.Put(buf)

		buf2 := pool.Get()
		assert.Same(t, buf, buf2, "the idle buffer is reused")
		assert.Equal(t, 0, buf2.Len(), "reused buffer is reset")

		hits, misses, dropped, idle := pool.Metrics()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
		assert.Zero(t, dropped)
		assert.Zero(t, idle)
	})

	t.Run("Idle buffers are bounded", func(t *testing.T) {
		pool := NewBufferPool(16, 2)
		for i := 0; i < 3; i++ {
			pool.Put(new(bytes.Buffer))
		}
		_, _, dropped, idle := pool.Metrics()
		assert.Equal(t, 2, idle)
		assert.Equal(t, uint64(1), dropped)
	})

	t.Run("Oversized buffers are dropped", func(t *testing.T) {
		pool := NewBufferPool(1024, 4)
		pool.Put(bytes.NewBuffer(make([]byte, 0, 1<<20)))
		pool.Put(nil)
		_, _, dropped, idle := pool.Metrics()
		assert.Zero(t, idle)
		assert.Equal(t, uint64(1), dropped)
	})

	t.Run("Concurrent access", func(t *testing.T) {
		pool := NewBufferPool(64, 8)
		var wg sync.WaitGroup
		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					buf := pool.Get()
					buf.WriteString("payload")
					pool.Put(buf)
				}
			}()
		}
		wg.Wait()
		hits, misses, _, idle := pool.Metrics()
		assert.Equal(t, uint64(16*200), hits+misses)
		assert.LessOrEqual(t, idle, 8)
	})
}
