package optimize

import "sync"

// BytePool recycles fixed-size byte slices across hot RTP read loops, where
// a fresh allocation per packet would dominate the profile.
type BytePool struct {
	size int
	pool sync.Pool
}

// NewBytePool returns a pool handing out slices of exactly size bytes.
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		return make([]byte, size)
	}
	return p
}

func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a slice to the pool. Slices that shrank below the pool size
// are dropped rather than recycled.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.pool.Put(b[:p.size])
}
