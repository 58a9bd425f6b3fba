//go:build linux

// Package child implements the event loop a re-exec'd worker process runs:
// dispatch inbound datagrams to the task they belong to, keep send windows
// full, drain RDMA completions, and report aggregate counters to the parent
// through shared memory.
package child

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/seqstress/internal/procutil"
	"github.com/simeonmiteff/seqstress/internal/rdma"
	"github.com/simeonmiteff/seqstress/internal/shm"
	"github.com/simeonmiteff/seqstress/internal/stats"
	"github.com/simeonmiteff/seqstress/internal/task"
	"github.com/simeonmiteff/seqstress/internal/transport"
	"github.com/simeonmiteff/seqstress/internal/wire"
)

// statsFlushInterval bounds how stale the parent's view of this child's
// counters can get between datagram-driven wakeups.
const statsFlushInterval = 100 * time.Millisecond

// parentCheckInterval is how often the loop confirms its parent hasn't
// died, standing in for check_parent's unconditional call on every
// iteration (cheaper here since Getppid is a plain syscall either way, but
// gating it avoids burning a syscall per spin when idle).
const parentCheckInterval = time.Second

// Child drives every Task sharing one transport.Socket in a single
// process, the Go analogue of one forked run_child.
type Child struct {
	tasks     []*task.Task
	byPort    map[int]*task.Task
	sock      transport.Socket
	engine    rdma.Engine
	cong      transport.CongestionMonitor
	ctl       *shm.ChildControl
	parentPID int
	reqSize   uint32
	ackSize   uint32
	reqDepth  uint32
	log       *logrus.Entry

	recvBuf []byte
}

// New builds a Child driving tasks over sock, with engine servicing any
// RDMA annexes they attach. ctl is this child's shared-memory control
// slot; parentPID is the pid to poll for liveness.
func New(tasks []*task.Task, sock transport.Socket, engine rdma.Engine, cong transport.CongestionMonitor, ctl *shm.ChildControl, parentPID int, reqSize, ackSize uint32, reqDepth uint16, log *logrus.Entry) *Child {
	byPort := make(map[int]*task.Task, len(tasks))
	for _, t := range tasks {
		byPort[t.DstAddr().Port] = t
	}

	bufSize := reqSize
	if ackSize > bufSize {
		bufSize = ackSize
	}

	return &Child{
		tasks:     tasks,
		byPort:    byPort,
		sock:      sock,
		engine:    engine,
		cong:      cong,
		ctl:       ctl,
		parentPID: parentPID,
		reqSize:   reqSize,
		ackSize:   ackSize,
		reqDepth:  uint32(reqDepth),
		log:       log,
		recvBuf:   make([]byte, bufSize),
	}
}

// Run blocks until the synchronized start time recorded in ctl, then drives
// the event loop until ctx is cancelled, the parent disappears, or an
// unrecoverable transport error occurs.
func (c *Child) Run(ctx context.Context) error {
	c.ctl.SetReady()

	if err := c.waitForStart(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(statsFlushInterval)
	defer ticker.Stop()

	lastParentCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.sock.Readable():
		case <-ticker.C:
		}

		if time.Since(lastParentCheck) >= parentCheckInterval {
			if !procutil.ParentAlive(c.parentPID) {
				return fmt.Errorf("child: parent %d is gone", c.parentPID)
			}
			lastParentCheck = time.Now()
		}

		c.drainCompletions()

		if err := c.drainRecv(); err != nil {
			return err
		}

		if err := c.sendAll(); err != nil && err != transport.ErrWouldBlock {
			return err
		}

		c.flushStats()
	}
}

func (c *Child) waitForStart(ctx context.Context) error {
	for {
		if start := c.ctl.Start(); start != 0 {
			if d := time.Until(time.Unix(0, start)); d > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d):
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}

		if !procutil.ParentAlive(c.parentPID) {
			return fmt.Errorf("child: parent %d gone before start", c.parentPID)
		}
	}
}

func (c *Child) drainCompletions() {
	for {
		select {
		case comp := <-c.engine.Completions():
			taskNr, qindex := rdma.SplitToken(comp.Token, c.reqDepth)
			for _, t := range c.tasks {
				if uint32(t.Nr()) == taskNr {
					t.MarkRDMACompleted(uint16(qindex))
					break
				}
			}
			if comp.Status != rdma.StatusOK && c.log != nil {
				c.log.WithField("token", comp.Token).Warnf("child: rdma completion %s", comp.Status)
			}
		default:
			return
		}
	}
}

func (c *Child) drainRecv() error {
	for {
		dg, err := c.sock.Recv(c.recvBuf)
		if err == transport.ErrWouldBlock {
			return nil
		}
		if err != nil {
			return fmt.Errorf("child: recv: %w", err)
		}
		c.handleDatagram(dg)
	}
}

func (c *Child) handleDatagram(dg transport.Datagram) {
	if len(dg.Payload) < wire.BasicSize {
		return
	}
	hdr := wire.Decode(dg.Payload)

	t, ok := c.byPort[int(hdr.FromPort)]
	if !ok {
		if c.log != nil {
			c.log.WithField("port", hdr.ToPort).Debug("child: datagram for unknown task, dropping")
		}
		return
	}

	if c.cong != nil {
		t.SetCongested(c.cong.Congested(uint16(t.DstAddr().Port)))
	}

	wantSize := c.reqSize
	if hdr.Op == wire.OpAck {
		wantSize = c.ackSize
	}

	if _, err := t.RecvOne(dg.Payload, uint32(len(dg.Payload)), wantSize, hdr.Op, c.engine); err != nil {
		if c.log != nil {
			c.log.WithError(err).WithField("task", t.Nr()).Warn("child: dropping bad datagram")
		}
	}
}

func (c *Child) sendAll() error {
	for _, t := range c.tasks {
		if t.DrainRDMAs() || t.Congested() {
			continue
		}
		if err := t.SendAnything(c.sock, c.engine, true); err != nil {
			if err == transport.ErrWouldBlock {
				continue
			}
			return fmt.Errorf("child: task %d send: %w", t.Nr(), err)
		}
	}
	return nil
}

func (c *Child) flushStats() {
	var total stats.Set
	for _, t := range c.tasks {
		stats.AccumulateSet(&total, t.Stats)
	}
	c.ctl.Cur = total
}
