// Package stats implements the additive counter set shared between a child
// and its parent over shared memory: nr/sum/min/max accumulators that
// tolerate sampling-interval skew between snapshot and accumulate calls.
package stats

// Counter holds the four additive fields tracked per metric: count, sum,
// non-zero minimum ("minz" in the original: zero observations don't pull
// the minimum down to zero) and maximum.
type Counter struct {
	Nr  uint64
	Sum uint64
	Min uint64
	Max uint64
}

// Inc folds one observation of val into the counter. Min tracks the
// smallest non-zero observation; an all-zero series leaves Min at zero.
func (c *Counter) Inc(val uint64) {
	c.Nr++
	c.Sum += val
	if val != 0 && (c.Min == 0 || val < c.Min) {
		c.Min = val
	}
	if val > c.Max {
		c.Max = val
	}
}

// Snapshot returns the delta between c and last, then re-seats last to c's
// current values. It is the running-total side of the nr/sum/min/max law:
// repeated Snapshot calls partition a monotonically increasing Counter into
// non-overlapping windows.
func Snapshot(c, last *Counter) Counter {
	delta := Counter{
		Nr:  c.Nr - last.Nr,
		Sum: c.Sum - last.Sum,
		Max: c.Max,
	}
	if delta.Nr > 0 {
		delta.Min = c.Min
	}
	*last = *c
	return delta
}

// Accumulate folds src into dst in place, combining two windows (e.g. two
// children's counters, or two successive samples) into one.
func Accumulate(dst *Counter, src Counter) {
	dst.Nr += src.Nr
	dst.Sum += src.Sum
	if src.Max > dst.Max {
		dst.Max = src.Max
	}
	if src.Min != 0 && (dst.Min == 0 || src.Min < dst.Min) {
		dst.Min = src.Min
	}
}

// Total accumulates every element of samples into a single Counter. For any
// partition of a sequence of Snapshot calls, Total(parts) equals the single
// Snapshot that would have covered the whole span.
func Total(samples []Counter) Counter {
	var t Counter
	for _, s := range samples {
		Accumulate(&t, s)
	}
	return t
}

// Set is the full group of counters kept for one role (send/recv) of one
// connection: packets, bytes, rtt (nanoseconds) for data, rdma reads and
// rdma writes, send-call cost (SENDMSG_USECS) and corrupted-payload counts.
type Set struct {
	Pkts      Counter
	Bytes     Counter
	RTTNanos  Counter
	RDMARead  Counter
	RDMAWrite Counter
	SendUsecs Counter
	Corrupt   Counter
}

// SnapshotSet returns the per-field deltas of s against last and re-seats
// last, mirroring Snapshot across every field of a Set.
func SnapshotSet(s, last *Set) Set {
	return Set{
		Pkts:      Snapshot(&s.Pkts, &last.Pkts),
		Bytes:     Snapshot(&s.Bytes, &last.Bytes),
		RTTNanos:  Snapshot(&s.RTTNanos, &last.RTTNanos),
		RDMARead:  Snapshot(&s.RDMARead, &last.RDMARead),
		RDMAWrite: Snapshot(&s.RDMAWrite, &last.RDMAWrite),
		SendUsecs: Snapshot(&s.SendUsecs, &last.SendUsecs),
		Corrupt:   Snapshot(&s.Corrupt, &last.Corrupt),
	}
}

// AccumulateSet folds src into dst field by field.
func AccumulateSet(dst *Set, src Set) {
	Accumulate(&dst.Pkts, src.Pkts)
	Accumulate(&dst.Bytes, src.Bytes)
	Accumulate(&dst.RTTNanos, src.RTTNanos)
	Accumulate(&dst.RDMARead, src.RDMARead)
	Accumulate(&dst.RDMAWrite, src.RDMAWrite)
	Accumulate(&dst.SendUsecs, src.SendUsecs)
	Accumulate(&dst.Corrupt, src.Corrupt)
}
