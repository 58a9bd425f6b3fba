//go:build linux

// Package procutil wraps the small set of Linux process-control syscalls
// the orchestrator and its children need: realtime scheduling, the
// parent-liveness check children poll instead of relying on SIGHUP/session
// semantics, and the role-marker re-exec helper that stands in for
// fork() (which Go programs cannot safely call with a multi-threaded
// runtime already running).
package procutil

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// SetRealtimePriority switches the calling process to SCHED_RR at the
// lowest realtime priority, matching set_rt_priority's use of
// sched_setscheduler. Measurement runs ask for this so the kernel scheduler
// doesn't preempt the hot send/receive loop under load from unrelated
// processes.
func SetRealtimePriority() error {
	param := &unix.SchedParam{Priority: 1}
	if err := unix.SchedSetscheduler(0, unix.SCHED_RR, param); err != nil {
		return fmt.Errorf("procutil: sched_setscheduler: %w", err)
	}
	return nil
}

// ParentAlive reports whether the calling process's parent is still the
// pid it started with. A child polls this instead of the original's
// check_parent, which called die() outright; the caller decides how to
// react to a dead parent (normally: exit).
func ParentAlive(expected int) bool {
	return unix.Getppid() == expected
}

// ReExecSelf builds an *exec.Cmd that re-invokes the current binary with
// args, the Go substitute for fork()+exec() when what's wanted is actually
// just "run myself again with a different role flag". extraFiles are
// passed through as ExtraFiles (fd 3, 4, ... in the child), the channel
// shared-memory regions use to hand a mapped memfd down to a child that
// never had its own mmap call for it.
func ReExecSelf(args []string, extraFiles []*os.File) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("procutil: os.Executable: %w", err)
	}
	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extraFiles
	return cmd, nil
}

// Nice lowers (or raises, for negative values the caller has permission
// for) the calling process's scheduling niceness via setpriority(2), used
// by soaker processes to match the original's nice(20) call so they never
// contend with the measured workload for CPU.
func Nice(delta int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, delta); err != nil {
		return fmt.Errorf("procutil: setpriority: %w", err)
	}
	return nil
}

// NullSyscall performs the cheapest syscall available (getpid), used by a
// CPU soaker's busy loop to generate a steady, countable unit of CPU work.
func NullSyscall() {
	unix.Getpid()
}
