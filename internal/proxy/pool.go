package proxy

import (
	"net/http/httputil"
	"sync"
)

const relayBufferSize = 32 * 1024

// relayBuffers is shared by every tunnel relay.
var relayBuffers = NewBufferPool(relayBufferSize)

type bufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool returns a pool of size-byte buffers.
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
	return *b
}

func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
