// Package ballot implements the 64-bit ballot scheme: a monotonic counter
// in the high 56 bits and the owning replica's index in the low 8 bits.
package ballot

import "sync/atomic"

// Num is a 64-bit ballot: (counter << 8) | replicaIndex.
type Num uint64

// replicaMask isolates the low byte carrying the replica index.
const replicaMask = 0xff

// counterBits is the width of the monotonic counter portion.
const counterBits = 56

// Make builds a ballot from a counter and a replica index.
func Make(counter uint64, replicaIndex uint8) Num {
	return Num(counter<<8) | Num(replicaIndex)
}

// Value returns the counter portion of the ballot.
func (n Num) Value() uint64 {
	return uint64(n) >> 8
}

// Replica returns the replica index embedded in the ballot's low byte.
func (n Num) Replica() uint8 {
	return uint8(uint64(n) & replicaMask)
}

// Allocator owns one replica's current ballot. Current and Observe are
// lock-free with respect to each other: Current is an atomic load, Observe
// is a compare-and-swap loop that only raises the stored value, except on
// counter overflow, where it stores the reset ballot (0<<8)|replicaIndex.
type Allocator struct {
	replicaIndex uint8
	current      atomic.Uint64
	exhausted    atomic.Bool
}

// NewAllocator returns an Allocator seeded at (1<<8)|replicaIndex: replica
// i's first ballot is always counter 1.
func NewAllocator(replicaIndex uint8) *Allocator {
	a := &Allocator{replicaIndex: replicaIndex}
	a.current.Store(uint64(Make(1, replicaIndex)))
	return a
}

// Current returns the replica's present ballot.
func (a *Allocator) Current() Num {
	return Num(a.current.Load())
}

// Exhausted reports whether the counter has wrapped and Submit calls should
// be refused until an operator restarts the replica. Recovering in place
// would need a peer-coordinated epoch bump; refusing progress is simpler
// and safer than guessing at a reset protocol.
func (a *Allocator) Exhausted() bool {
	return a.exhausted.Load()
}

// Observe conditionally raises the replica's ballot in response to an
// externally-seen ballot. Every inbound protocol message passes its ballot
// through Observe so the local ballot tracks the network maximum, with
// ties broken by replica index.
func (a *Allocator) Observe(external Num) Num {
	v := external.Value()
	next := v + 1

	if next>>counterBits != 0 {
		// Counter would overflow the 56-bit field: reset to
		// (0<<8)|replicaIndex, so the next bump lands on 1 again, and
		// latch Exhausted so the engine can refuse further submissions
		// rather than silently racing other replicas over a reused
		// counter range.
		reset := Make(0, a.replicaIndex)
		a.current.Store(uint64(reset))
		a.exhausted.Store(true)
		return reset
	}

	candidate := Make(next, a.replicaIndex)
	for {
		cur := Num(a.current.Load())
		if candidate <= cur {
			return cur
		}
		if a.current.CompareAndSwap(uint64(cur), uint64(candidate)) {
			return candidate
		}
	}
}

// Bump unconditionally advances the ballot by one counter tick and returns
// the new value. Used by the engine when it needs a fresh ballot of its own
// (e.g. escalating to the slow path) rather than one derived from a peer.
func (a *Allocator) Bump() Num {
	for {
		cur := Num(a.current.Load())
		next := cur.Value() + 1
		if next>>counterBits != 0 {
			reset := Make(0, a.replicaIndex)
			if a.current.CompareAndSwap(uint64(cur), uint64(reset)) {
				a.exhausted.Store(true)
				return reset
			}
			continue
		}
		candidate := Make(next, a.replicaIndex)
		if a.current.CompareAndSwap(uint64(cur), uint64(candidate)) {
			return candidate
		}
	}
}
