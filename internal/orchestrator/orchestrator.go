//go:build linux

// Package orchestrator implements the parent side of a run: spawn one
// re-exec'd child process per task (and, optionally, one CPU soaker per
// core), synchronize their start, sample their shared-memory counters once
// a second, and print the same human-readable or CSV "perfdata" report the
// original tool does.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/seqstress/internal/options"
	"github.com/simeonmiteff/seqstress/internal/procutil"
	"github.com/simeonmiteff/seqstress/internal/shm"
	"github.com/simeonmiteff/seqstress/internal/soak"
	"github.com/simeonmiteff/seqstress/internal/stats"
)

// startupDelay is how far in the future the parent schedules the
// synchronized start instant, giving every child time to bind its socket
// and report ready before any of them send a byte.
const startupDelay = 2 * time.Second

// burnInSamples is how many 1-second snapshots the parent discards before
// the reported run, letting throughput settle past the initial ramp.
const burnInSamples = 4

// ChildLauncher builds the argv a re-exec'd task-child process should run
// with, for the task at index with the given locally-bound port. The
// shared-memory region fd always arrives as fd 3 in the child; launch does
// not need to mention it.
type ChildLauncher func(index int, localPort int) []string

// SoakLauncher builds the argv a re-exec'd soaker process should run with,
// for the soaker at the given index. The soak region fd always arrives as
// fd 3.
type SoakLauncher func(index int) []string

// Orchestrator owns the shared-memory regions and child processes of one
// run, and drives the parent-side timing and reporting loop.
type Orchestrator struct {
	opts *options.Options
	log  *logrus.Entry

	region *shm.Region
	ctls   []*shm.ChildControl
	cmds   []*exec.Cmd
	exited chan int

	soakRegion *shm.Region
	soakFleet  *soak.Fleet
	soakCmds   []*exec.Cmd
}

// Spawn creates the shared-memory region, re-execs opts.NrTasks child
// processes (and, if opts.CPUSoak, one soaker per CPU), and returns an
// Orchestrator ready to have Run called on it.
func Spawn(opts *options.Options, launch ChildLauncher, soakLaunch SoakLauncher, log *logrus.Entry) (*Orchestrator, error) {
	n := int(opts.NrTasks)

	region, err := shm.Create("seqstress-children", n*shm.ChildControlStride)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: allocate child region: %w", err)
	}

	o := &Orchestrator{
		opts:   opts,
		log:    log,
		region: region,
		exited: make(chan int, n),
	}

	shmFile := os.NewFile(uintptr(region.Fd()), "seqstress-children")

	for i := 0; i < n; i++ {
		ctl := shm.Slot[shm.ChildControl](region, i, shm.ChildControlStride)
		o.ctls = append(o.ctls, ctl)

		args := launch(i, int(opts.StartingPort)+i)
		cmd, err := procutil.ReExecSelf(args, []*os.File{shmFile})
		if err != nil {
			o.killAll()
			return nil, fmt.Errorf("orchestrator: build child %d: %w", i, err)
		}
		if err := cmd.Start(); err != nil {
			o.killAll()
			return nil, fmt.Errorf("orchestrator: start child %d: %w", i, err)
		}
		ctl.PID = int64(cmd.Process.Pid)
		o.cmds = append(o.cmds, cmd)

		idx := i
		go func() {
			cmd.Wait()
			o.exited <- idx
		}()
	}

	if opts.CPUSoak {
		if err := o.spawnSoakers(soakLaunch); err != nil {
			o.killAll()
			return nil, err
		}
	}

	return o, nil
}

func (o *Orchestrator) spawnSoakers(launch SoakLauncher) error {
	n := soak.NumCPU()
	region, err := shm.Create("seqstress-soak", n*shm.SoakControlStride)
	if err != nil {
		return fmt.Errorf("orchestrator: allocate soak region: %w", err)
	}
	o.soakRegion = region
	o.soakFleet = soak.NewFleet(region, n)

	soakFile := os.NewFile(uintptr(region.Fd()), "seqstress-soak")

	for i := 0; i < n; i++ {
		args := launch(i)
		cmd, err := procutil.ReExecSelf(args, []*os.File{soakFile})
		if err != nil {
			return fmt.Errorf("orchestrator: build soaker %d: %w", i, err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("orchestrator: start soaker %d: %w", i, err)
		}
		o.soakCmds = append(o.soakCmds, cmd)
	}

	o.log.WithField("count", n).Info("started cycle-soaking processes")
	return nil
}

func (o *Orchestrator) killAll() {
	for _, cmd := range o.cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	for _, cmd := range o.soakCmds {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

// NrChildren returns how many child processes this run spawned.
func (o *Orchestrator) NrChildren() int { return len(o.ctls) }

// ChildStats returns the most recent cumulative counters reported by the
// child at index, suitable for driving a Prometheus collector between
// samples taken by Run's own snapshot loop.
func (o *Orchestrator) ChildStats(index int) stats.Set {
	return o.ctls[index].Cur
}

func (o *Orchestrator) snapshot() stats.Set {
	var disp stats.Set
	for _, ctl := range o.ctls {
		d := stats.SnapshotSet(&ctl.Cur, &ctl.Last)
		stats.AccumulateSet(&disp, d)
	}
	return disp
}

func throughputBytes(s stats.Set) float64 { return float64(s.Bytes.Sum) }
func throughputRDMA(s stats.Set) float64  { return float64(s.RDMARead.Sum + s.RDMAWrite.Sum) }

func avgNanos(c stats.Counter) float64 {
	if c.Nr == 0 {
		return 0
	}
	return float64(c.Sum) / float64(c.Nr)
}

// Run synchronizes the children's start time, waits through the burn-in
// period, then samples and reports counters once a second until opts.RunTime
// elapses (or forever, if zero, until every child exits on its own),
// finally printing an averaged summary row. It mirrors
// release_children_and_wait.
func (o *Orchestrator) Run(ctx context.Context) error {
	start := time.Now().Add(startupDelay)
	for _, ctl := range o.ctls {
		ctl.SetStart(start.UnixNano())
	}

	if o.opts.RTPrio {
		if err := procutil.SetRealtimePriority(); err != nil {
			o.log.WithError(err).Warn("orchestrator: could not switch to realtime priority")
		}
	}

	fmt.Print("Starting up")
	for i := 0; i < burnInSamples; i++ {
		if err := sleepOrDone(ctx, time.Second); err != nil {
			o.killAll()
			return err
		}
		o.snapshot()
		o.soakUsage()
		fmt.Print(".")
	}
	fmt.Println()

	firstTS := time.Now()
	var end time.Time
	if o.opts.RunTime > 0 {
		end = firstTS.Add(time.Duration(o.opts.RunTime) * time.Second)
	}

	nrRunning := len(o.ctls)
	var summary stats.Set
	var cpuTotal float64
	var cpuSamples int

	o.printHeader()

	lastTS := firstTS
	for nrRunning > 0 {
		if err := sleepOrDone(ctx, time.Second); err != nil {
			o.killAll()
			return err
		}

		disp := o.snapshot()
		now := time.Now()
		cpu := o.soakUsage()

		if !o.opts.SummaryOnly {
			scale := 1e6 / float64(now.Sub(lastTS).Microseconds())
			o.printRow(disp, scale, cpu)
		}

		stats.AccumulateSet(&summary, disp)
		if cpu >= 0 {
			cpuTotal += cpu
			cpuSamples++
		}
		lastTS = now

		if !end.IsZero() && !now.Before(end) {
			o.killAll()
			break
		}

		select {
		case idx := <-o.exited:
			o.log.WithField("index", idx).Info("orchestrator: child exited")
			nrRunning--
		default:
		}
	}

	for nrRunning > 0 {
		<-o.exited
		nrRunning--
	}

	if !o.opts.SummaryOnly {
		fmt.Println("---------------------------------------------")
	}

	scale := 1e6 / float64(lastTS.Sub(firstTS).Microseconds()+1)
	avgCPU := -1.0
	if cpuSamples > 0 {
		avgCPU = scale * cpuTotal
	}
	fmt.Printf("%4d %6.0f %10.2f %10.2f %7.2f %8.2f %5.2f  (average)\n",
		o.opts.NrTasks,
		scale*float64(summary.Pkts.Sum),
		scale*throughputBytes(summary)/1024.0,
		scale*throughputRDMA(summary)/1024.0,
		avgNanos(summary.SendUsecs),
		avgNanos(summary.RTTNanos)/1000.0,
		avgCPU,
	)

	return nil
}

func (o *Orchestrator) printHeader() {
	if o.opts.SummaryOnly {
		return
	}
	if o.opts.ShowPerfdata {
		fmt.Print("::nr_tasks:count,req_size:bytes,ack_size:bytes,rdma_size:bytes")
		fmt.Print(",req_sent:count,thruput:kB/s,thruput_rdma:kB/s,rtt:microseconds,cpu:percent\n")
		return
	}
	fmt.Printf("%4s %6s %10s %10s %7s %8s %5s\n",
		"tsks", "tx/s", "tx+rx K/s", "rw+rr K/s", "tx us/c", "rtt us", "cpu %")
}

func (o *Orchestrator) printRow(disp stats.Set, scale, cpu float64) {
	rttUsec := scale * avgNanos(disp.RTTNanos) / 1000.0
	if o.opts.ShowPerfdata {
		fmt.Printf("::%d,%d,%d,%d,%d,%f,%f,%f,%f\n",
			o.opts.NrTasks, o.opts.ReqSize, o.opts.AckSize, o.opts.RDMASize,
			disp.Pkts.Sum,
			scale*throughputBytes(disp)/1024.0,
			scale*throughputRDMA(disp)/1024.0,
			rttUsec,
			cpuOrZero(cpu, scale),
		)
		return
	}
	fmt.Printf("%4d %6d %10.2f %10.2f %7.2f %8.2f %5.2f\n",
		len(o.ctls),
		disp.Pkts.Sum,
		scale*throughputBytes(disp)/1024.0,
		scale*throughputRDMA(disp)/1024.0,
		avgNanos(disp.SendUsecs),
		rttUsec,
		scale*cpu,
	)
}

func cpuOrZero(cpu, scale float64) float64 {
	if cpu < 0 {
		return 0
	}
	return scale * cpu
}

func (o *Orchestrator) soakUsage() float64 {
	if o.soakFleet == nil {
		return -1.0
	}
	return o.soakFleet.Usage()
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Close releases the shared-memory regions this orchestrator mapped. It
// does not wait for children; call Run to completion (or killAll via a
// cancelled context) first.
func (o *Orchestrator) Close() error {
	if o.soakRegion != nil {
		_ = o.soakRegion.Close()
	}
	return o.region.Close()
}
