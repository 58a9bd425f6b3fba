//go:build linux

package shm

import (
	"sync/atomic"

	"github.com/simeonmiteff/seqstress/internal/stats"
)

// ChildControl is the per-child record a parent and its child
// communicate through: start signal, readiness, and the seven counters
// each task contributes to, pre-summed across tasks by the child.
//
// Every process touches disjoint fields most of the time (the child writes
// Ready/Cur, the parent writes Start and reads Ready/Cur/Last), so plain
// loads/stores on aligned int64/uint64 fields are safe on every
// architecture this binary targets; StartNanos and Ready use atomics since
// they're the one pair of fields both sides race to observe a transition
// on.
type ChildControl struct {
	PID        int64
	ready      int32
	_          [4]byte // explicit padding to keep StartNanos 8-byte aligned
	startNanos int64

	Cur  stats.Set
	Last stats.Set
}

// ChildControlStride is the cache-line padded size to use for an array of
// ChildControl records in a Region.
const ChildControlStride = 512 // generous headroom over sizeof(ChildControl)

// SetReady marks the child as having finished setup and bound its socket.
func (c *ChildControl) SetReady() { atomic.StoreInt32(&c.ready, 1) }

// Ready reports whether the child has finished setup.
func (c *ChildControl) Ready() bool { return atomic.LoadInt32(&c.ready) != 0 }

// SetStart records the synchronized start instant (as UnixNano) the parent
// has chosen for every child to begin sending at.
func (c *ChildControl) SetStart(unixNano int64) { atomic.StoreInt64(&c.startNanos, unixNano) }

// Start returns the synchronized start instant, or zero if the parent
// hasn't set one yet.
func (c *ChildControl) Start() int64 { return atomic.LoadInt64(&c.startNanos) }

// SoakControl is the per-CPU-soaker record: a running count of null
// syscalls, which the parent samples as deltas, and the best per-second
// rate observed so far
// (used to estimate CPU utilization by shortfall from a process with
// nothing else to do).
type SoakControl struct {
	PID           int64
	PerSec        uint64
	counter       uint64
	last          uint64
	startNanos    int64
}

// SoakControlStride is the cache-line padded size to use for an array of
// SoakControl records in a Region.
const SoakControlStride = 128

// Inc bumps the soaker's running counter by one null syscall.
func (s *SoakControl) Inc() { atomic.AddUint64(&s.counter, 1) }

// Sample returns the number of null syscalls completed since the last
// Sample call, re-seating the internal baseline.
func (s *SoakControl) Sample() uint64 {
	cur := atomic.LoadUint64(&s.counter)
	delta := cur - s.last
	s.last = cur
	return delta
}
