package proxy

import (
	"net/http/httputil"
	"sync"
)

// bufferPool recycles fixed-size relay buffers.
type bufferPool struct {
	size int
	pool sync.Pool
}

func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.size]
}

// Put drops buffers that can't hold a full relay chunk.
func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
