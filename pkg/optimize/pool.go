package optimize

import "sync"

// BytePool recycles fixed-capacity buffers. Requests larger than the pool
// capacity get a fresh slice that is never pooled.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a slice of length n and a release func that hands it back.
// The slice must not be used after release.
func (p *BytePool) Get(n int) ([]byte, func()) {
	if n > p.size {
		return make([]byte, n), func() {}
	}
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:n], func() { p.pool.Put(bp) }
}

func (p *BytePool) Size() int {
	return p.size
}
