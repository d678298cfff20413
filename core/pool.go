package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultBlockBufferSize is the initial capacity of buffers handed out by
// BufferPool. It matches the default checkpoint block size.
const DefaultBlockBufferSize = 64 * 1024

// BufferPool is shared by checkpoint writers and readers.
var BufferPool = NewBufferPool(DefaultBlockBufferSize, 64)

// bufferPool is a mutex-protected free list. Unlike sync.Pool, its
// contents survive garbage collection, which keeps block buffers warm
// across a long state transfer.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxItems int
	maxCap   int

	hits    atomic.Uint64
	misses  atomic.Uint64
	dropped atomic.Uint64
}

// NewBufferPool creates a pool of buffers with initialCapacity bytes
// preallocated, keeping at most maxItems idle buffers. Buffers that grew
// beyond four times initialCapacity are not kept.
func NewBufferPool(initialCapacity, maxItems int) *bufferPool {
	if initialCapacity < 0 {
		initialCapacity = 0
	}
	if maxItems < 1 {
		maxItems = 1
	}
	return &bufferPool{
		items:    make([]*bytes.Buffer, 0, maxItems),
		capacity: initialCapacity,
		maxItems: maxItems,
		maxCap:   4 * max(initialCapacity, 1024),
	}
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	bp.hits.Add(1)
	return item
}

// Put resets buf and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > bp.maxCap {
		bp.dropped.Add(1)
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxItems {
		bp.items = append(bp.items, buf)
		bp.mu.Unlock()
		return
	}
	bp.mu.Unlock()
	bp.dropped.Add(1)
}

// Metrics returns hit, miss and drop counters and the idle buffer count.
func (bp *bufferPool) Metrics() (hits, misses, dropped uint64, idle int) {
	bp.mu.Lock()
	idle = len(bp.items)
	bp.mu.Unlock()
	return bp.hits.Load(), bp.misses.Load(), bp.dropped.Load(), idle
}
