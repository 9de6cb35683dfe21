package mem

import "sync"

// Pooled transfer buffers for command staging. Size-bucketed with
// power-of-2 sizes (4KB to 1MB) so mixed workloads reuse allocations
// without holding the largest size for every small transfer.

const (
	size4k   = 4 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
)

// Uses the pointer-to-slice pattern to avoid sync.Pool interface
// allocation overhead.
var bufPool = struct {
	pool4k   sync.Pool
	pool64k  sync.Pool
	pool256k sync.Pool
	pool1m   sync.Pool
}{
	pool4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// getBuffer returns a pooled buffer of at least the requested size.
// Caller must call putBuffer when done.
func getBuffer(size uint32) []byte {
	switch {
	case size <= size4k:
		return (*bufPool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*bufPool.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*bufPool.pool256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*bufPool.pool1m.Get().(*[]byte))[:size]
	default:
		// Oversized transfers are rare enough to allocate directly.
		return make([]byte, size)
	}
}

// putBuffer returns a buffer to its pool. Buffers with non-standard
// capacity are dropped for the GC.
func putBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		bufPool.pool4k.Put(&buf)
	case size64k:
		bufPool.pool64k.Put(&buf)
	case size256k:
		bufPool.pool256k.Put(&buf)
	case size1m:
		bufPool.pool1m.Put(&buf)
	}
}
