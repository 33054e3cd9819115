// Package pool wraps sync.Pool with a typed API for the scratch buffers the
// resolver's UDP receive path recycles on every readable-fd callback.
package pool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// NewByteSlicePool builds a Pool of fixed-size byte slices, sized once up
// front. This is the shape resolver/udp.go's recvBufPool needs: every
// datagram read reuses a same-sized scratch buffer rather than allocating a
// fresh one per readable-fd callback, and Put never needs to re-check the
// slice's length since New always hands out exactly size bytes.
func NewByteSlicePool(size int) *Pool[[]byte] {
	return New(func() []byte {
		return make([]byte, size)
	})
}
