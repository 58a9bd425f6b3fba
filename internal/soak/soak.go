//go:build linux

// Package soak estimates CPU utilization by running one busy-loop process
// per CPU, each tracking the fastest rate of a trivial syscall it has ever
// achieved, and comparing that "capacity" against how much it actually got
// to run in the last second. The shortfall is how much CPU something else
// consumed.
package soak

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/simeonmiteff/seqstress/internal/procutil"
	"github.com/simeonmiteff/seqstress/internal/shm"
)

// Soaker drives one CPU-bound busy loop, recording how many iterations it
// completes per second and the best rate it has ever observed.
type Soaker struct {
	ctl       *shm.SoakControl
	stop      chan struct{}
	done      chan struct{}
	batchSize uint64
}

// NewSoaker creates a soaker writing its counters into ctl. Call Run in its
// own goroutine (production usage re-execs a dedicated process per CPU
// instead; Run is goroutine-safe either way since it only touches ctl).
func NewSoaker(ctl *shm.SoakControl) *Soaker {
	ctl.PerSec = 1000
	return &Soaker{ctl: ctl, stop: make(chan struct{}), done: make(chan struct{}), batchSize: 1000}
}

// Run spins until Stop is called or parentPID stops being our parent,
// continually re-measuring the achievable per-second rate and keeping the
// best one seen, mirroring run_soaker.
func (s *Soaker) Run(parentPID int) {
	defer close(s.done)

	if err := procutil.Nice(19); err != nil {
		// best effort: a soaker that can't renice itself still soaks,
		// it just contends more with real work.
		_ = err
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		perSec := atomic.LoadUint64(&s.ctl.PerSec)
		if perSec == 0 {
			perSec = s.batchSize
		}

		start := time.Now()
		for i := uint64(0); i < perSec; i++ {
			procutil.NullSyscall()
			s.ctl.Inc()
		}
		elapsed := time.Since(start)

		if elapsed > 0 {
			rate := uint64(float64(perSec) * float64(time.Second) / float64(elapsed))
			if rate > perSec {
				atomic.StoreUint64(&s.ctl.PerSec, rate)
			}
		}

		if parentPID != 0 && !procutil.ParentAlive(parentPID) {
			return
		}
	}
}

// Stop requests Run return; it does not block until Run actually observes
// the request, since Run only checks between batches.
func (s *Soaker) Stop() { close(s.stop) }

// Wait blocks until Run has returned.
func (s *Soaker) Wait() { <-s.done }

// Fleet tracks one soaker control slot per CPU, used by the parent to
// sample aggregate CPU usage the way cpu_use does.
type Fleet struct {
	region *shm.Region
	n      int
}

// NewFleet wraps the first n soak control slots already present in region,
// one per CPU, which child soaker processes report into; it allocates
// nothing.
func NewFleet(region *shm.Region, n int) *Fleet {
	return &Fleet{region: region, n: n}
}

// NumCPU returns runtime.NumCPU(), the soaker-per-CPU count this tool uses
// (sysconf(_SC_NPROCESSORS_ONLN) in the original).
func NumCPU() int { return runtime.NumCPU() }

// Control returns the i'th soaker's control slot.
func (f *Fleet) Control(i int) *shm.SoakControl {
	return shm.Slot[shm.SoakControl](f.region, i, shm.SoakControlStride)
}

// Usage returns the percentage of soaker capacity consumed by something
// other than the soakers themselves, across all registered slots, the same
// ratio cpu_use computes. It returns -1 if there are no soakers.
func (f *Fleet) Usage() float64 {
	if f.n == 0 {
		return -1.0
	}

	var capacity, soaked uint64
	for i := 0; i < f.n; i++ {
		ctl := f.Control(i)
		perSec := atomic.LoadUint64(&ctl.PerSec)
		if perSec == 0 {
			continue
		}
		capacity += perSec
		soaked += ctl.Sample()
		if soaked > capacity {
			soaked = capacity
		}
	}

	if capacity == 0 {
		return -1.0
	}
	return float64(capacity-soaked) * 100 / float64(capacity)
}

// String renders the fleet size for diagnostics.
func (f *Fleet) String() string {
	return fmt.Sprintf("soak.Fleet{cpus=%d}", f.n)
}
