//go:build linux

package orchestrator

import (
	"testing"

	"github.com/simeonmiteff/seqstress/internal/shm"
	"github.com/simeonmiteff/seqstress/internal/stats"
)

func TestSnapshotAccumulatesAcrossChildren(t *testing.T) {
	region, err := shm.Create("orchestrator-test", shm.ChildControlStride*2)
	if err != nil {
		t.Fatalf("shm.Create: %v", err)
	}
	defer region.Close()

	ctlA := shm.Slot[shm.ChildControl](region, 0, shm.ChildControlStride)
	ctlB := shm.Slot[shm.ChildControl](region, 1, shm.ChildControlStride)

	ctlA.Cur.Pkts.Inc(10)
	ctlA.Cur.Bytes.Inc(1000)
	ctlB.Cur.Pkts.Inc(5)
	ctlB.Cur.Bytes.Inc(500)

	o := &Orchestrator{ctls: []*shm.ChildControl{ctlA, ctlB}}

	disp := o.snapshot()
	if disp.Pkts.Sum != 15 {
		t.Fatalf("Pkts.Sum = %d, want 15", disp.Pkts.Sum)
	}
	if disp.Bytes.Sum != 1500 {
		t.Fatalf("Bytes.Sum = %d, want 1500", disp.Bytes.Sum)
	}

	// A second snapshot with no new activity should report an empty delta.
	disp2 := o.snapshot()
	if disp2.Pkts.Sum != 0 {
		t.Fatalf("second snapshot Pkts.Sum = %d, want 0", disp2.Pkts.Sum)
	}
}

func TestAvgNanosHandlesEmptyCounter(t *testing.T) {
	if got := avgNanos(stats.Counter{}); got != 0 {
		t.Fatalf("avgNanos(empty) = %v, want 0", got)
	}
}

func TestCpuOrZeroHandlesUnavailable(t *testing.T) {
	if got := cpuOrZero(-1, 2.0); got != 0 {
		t.Fatalf("cpuOrZero(-1, 2.0) = %v, want 0", got)
	}
	if got := cpuOrZero(10, 2.0); got != 20 {
		t.Fatalf("cpuOrZero(10, 2.0) = %v, want 20", got)
	}
}
