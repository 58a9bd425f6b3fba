//go:build linux

package soak

import (
	"testing"

	"github.com/simeonmiteff/seqstress/internal/shm"
)

func TestSoakerRunInitializesRateAndStops(t *testing.T) {
	region, err := shm.Create("soak-test", shm.SoakControlStride*2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()

	ctl := shm.Slot[shm.SoakControl](region, 0, shm.SoakControlStride)
	s := NewSoaker(ctl)

	go s.Run(0)
	s.Stop()
	s.Wait()

	if ctl.PerSec == 0 {
		t.Fatal("expected PerSec to be initialized")
	}
}

func TestFleetUsageWithNoSoakers(t *testing.T) {
	f := NewFleet(nil, 0)
	if got := f.Usage(); got != -1.0 {
		t.Fatalf("Usage() = %v, want -1.0", got)
	}
}

func TestFleetUsageSingleSoaker(t *testing.T) {
	region, err := shm.Create("soak-fleet-test", shm.SoakControlStride*2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()

	f := NewFleet(region, 1)
	ctl := f.Control(0)
	ctl.PerSec = 1000
	for i := 0; i < 400; i++ {
		ctl.Inc()
	}

	usage := f.Usage()
	if usage <= 0 || usage > 100 {
		t.Fatalf("Usage() = %v, want a value in (0, 100]", usage)
	}
}
