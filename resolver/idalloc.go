package resolver

import (
	"math/rand"
)

// RandomizedIDCapacity bounds the number of simultaneously in-flight IDs for
// a RandomizedIDAllocator. Keeping it well under the 65535 address space
// means a free slot is found in an expected two draws or fewer even near
// saturation.
const RandomizedIDCapacity = 1 << 15

// IDAllocator produces 16-bit DNS query IDs and reclaims them once a lookup
// finishes. Two strategies are supported because they answer different
// threat models: a monotonic counter is adequate when the UDP source port is
// randomized per socket (the pair (port, id) still resists guessing), while
// a randomized allocator is needed when the source port is fixed or
// predictable.
type IDAllocator interface {
	// Generate returns a fresh ID and true, or ok=false if the allocator is
	// at capacity (only possible for RandomizedIDAllocator).
	Generate() (id uint16, ok bool)

	// Free returns id to the pool. Safe to call on an id that was never
	// generated (no-op).
	Free(id uint16)
}

// MonotonicIDAllocator hands out IDs 1..65535 in a wrapping sequence. Free is
// a no-op: the allocator never tracks which IDs are in flight, so its
// capacity is the full 16-bit space.
type MonotonicIDAllocator struct {
	cur uint16
}

// NewMonotonicIDAllocator returns an allocator whose first Generate call
// yields 1.
func NewMonotonicIDAllocator() *MonotonicIDAllocator {
	return &MonotonicIDAllocator{}
}

// Generate implements IDAllocator.
func (m *MonotonicIDAllocator) Generate() (uint16, bool) {
	m.cur = (m.cur % 65535) + 1
	return m.cur, true
}

// Free implements IDAllocator. It intentionally does nothing.
func (m *MonotonicIDAllocator) Free(uint16) {}

// RandomizedIDAllocator draws IDs uniformly from [1, 65535] without
// replacement, retrying on collision with an ID that is still in flight.
// Free must be called promptly once a lookup is done with its ID or the
// pool of available IDs shrinks toward capacity and Generate starts
// returning ok=false.
type RandomizedIDAllocator struct {
	capacity int
	inflight map[uint16]struct{}
	rng      *rand.Rand
}

// NewRandomizedIDAllocator returns an allocator capped at capacity
// simultaneously in-flight IDs. A capacity <= 0 defaults to
// RandomizedIDCapacity.
func NewRandomizedIDAllocator(capacity int) *RandomizedIDAllocator {
	if capacity <= 0 {
		capacity = RandomizedIDCapacity
	}
	return &RandomizedIDAllocator{
		capacity: capacity,
		inflight: make(map[uint16]struct{}, capacity),
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// Generate implements IDAllocator. It returns ok=false once capacity
// in-flight IDs are outstanding. Context sizes this allocator to
// Config.Capacity, so admission holds further lookups in the overflow queue
// before that happens.
func (r *RandomizedIDAllocator) Generate() (uint16, bool) {
	if len(r.inflight) >= r.capacity {
		return 0, false
	}
	for {
		id := uint16(r.rng.Intn(65535)) + 1
		if _, taken := r.inflight[id]; taken {
			continue
		}
		r.inflight[id] = struct{}{}
		return id, true
	}
}

// Free implements IDAllocator.
func (r *RandomizedIDAllocator) Free(id uint16) {
	delete(r.inflight, id)
}
