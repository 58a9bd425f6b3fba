// Package task implements the per-peer state machine that drives request
// and acknowledgement traffic for one child process: window management,
// in-order delivery checks, RTT measurement and the RDMA warm-up policy.
// This is the engine every other component ultimately exists to serve.
package task

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/simeonmiteff/seqstress/internal/rdma"
	"github.com/simeonmiteff/seqstress/internal/stats"
	"github.com/simeonmiteff/seqstress/internal/transport"
	"github.com/simeonmiteff/seqstress/internal/wire"
)

// rdmaWarmup is the send sequence number a REQUEST must exceed before it
// carries an RDMA annex, so the first rdmaWarmup+1 requests (seq 0 through
// rdmaWarmup) go out without one, giving the connection time to settle
// before adding remote-memory traffic to it.
const rdmaWarmup = 10

// Config bundles the fixed, per-run parameters every Task in a child shares.
type Config struct {
	ReqDepth      uint16
	ReqSize       uint32
	AckSize       uint32
	RDMASize      uint32
	Verify        bool
	UseCongestion bool
}

// Task tracks one logical connection between a local and a remote address:
// the request/ack window, sequence numbers and (if enabled) the RDMA
// buffers that ride alongside it. nr is this task's index; it picks the
// task's first RDMA direction and is encoded in its RDMA completion tokens.
type Task struct {
	nr       int
	cfg      Config
	src, dst *net.UDPAddr

	congested  bool
	drainRDMAs bool

	sendSeq, recvSeq   uint32
	sendIndex, recvIndex uint16
	pending, unacked   uint16

	sendTime  []time.Time
	ackHeader []wire.Header

	rdmaNextOp   wire.RDMAOp
	rdmaInFlight []bool
	localBuf    [][]byte
	remoteBuf   [][]byte

	keys *rdma.KeyAllocator

	Stats stats.Set
}

// New creates a Task at index nr between src and dst. When cfg.RDMASize is
// non-zero, per-slot RDMA buffers are allocated and registered with keys
// (even-numbered tasks start by issuing WRITEs, odd ones READs, spreading
// the two directions across a run the same way the original alternates by
// task parity).
func New(nr int, cfg Config, src, dst *net.UDPAddr, keys *rdma.KeyAllocator) *Task {
	t := &Task{
		nr:        nr,
		cfg:       cfg,
		src:       src,
		dst:       dst,
		sendTime:  make([]time.Time, cfg.ReqDepth),
		ackHeader: make([]wire.Header, cfg.ReqDepth),
		keys:      keys,
	}
	// SendOne toggles rdmaNextOp before each use, so it starts on the
	// opposite of the task's first direction.
	if nr&1 != 0 {
		t.rdmaNextOp = wire.RDMAOpWrite
	} else {
		t.rdmaNextOp = wire.RDMAOpRead
	}

	if cfg.RDMASize > 0 {
		t.rdmaInFlight = make([]bool, cfg.ReqDepth)
		t.localBuf = make([][]byte, cfg.ReqDepth)
		t.remoteBuf = make([][]byte, cfg.ReqDepth)
		for i := range t.localBuf {
			t.localBuf[i] = make([]byte, cfg.RDMASize)
			t.remoteBuf[i] = make([]byte, cfg.RDMASize)
		}
	}
	return t
}

// Nr returns the task's index.
func (t *Task) Nr() int { return t.nr }

// DstAddr returns the remote peer address this task talks to.
func (t *Task) DstAddr() *net.UDPAddr { return t.dst }

// Congested reports whether a congestion-monitor update last marked this
// task's destination port as congested.
func (t *Task) Congested() bool { return t.congested }

// SetCongested is called from the receive path when a congestion-update
// notification arrives.
func (t *Task) SetCongested(v bool) { t.congested = v }

// DrainRDMAs reports whether this task must hold sends until an
// outstanding RDMA completion clears.
func (t *Task) DrainRDMAs() bool { return t.drainRDMAs }

func (t *Task) buildHeader(op wire.Op, qindex uint16) wire.Header {
	return wire.Header{
		Seq:      t.sendSeq,
		FromAddr: ip4ToUint32(t.src.IP),
		FromPort: uint16(t.src.Port),
		ToAddr:   ip4ToUint32(t.dst.IP),
		ToPort:   uint16(t.dst.Port),
		Index:    qindex,
		Op:       op,
	}
}

func ip4ToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

// SendOne builds and transmits the next REQUEST for this task's current
// send window slot, attaching an RDMA annex once the connection has warmed
// up past rdmaWarmup requests. It advances send_seq/send_index/pending on
// success.
func (t *Task) SendOne(sock transport.Socket) error {
	hdr := t.buildHeader(wire.OpRequest, t.sendIndex)

	if t.cfg.RDMASize > 0 && t.sendSeq > rdmaWarmup {
		key := t.keys.Alloc()
		pattern := (uint64(t.sendSeq) << 32) | uint64(uint32(os.Getpid()))
		op := rdma.BuildRequest(&hdr, t.rdmaNextOp, key, t.cfg.RDMASize, pattern, 0)
		t.rdmaNextOp = op

		if op == wire.RDMAOpWrite && t.cfg.Verify {
			rdma.FillPattern(t.localBuf[t.sendIndex][:t.cfg.RDMASize], pattern)
		}
	}

	size := t.cfg.ReqSize
	buf := make([]byte, size)
	wire.Fill(buf, size, &hdr)

	start := time.Now()
	if err := sock.Send(buf, t.dst); err != nil {
		return err
	}
	t.Stats.SendUsecs.Inc(uint64(time.Since(start).Microseconds()))
	t.Stats.Pkts.Inc(1)
	t.Stats.Bytes.Inc(uint64(size))

	t.sendTime[t.sendIndex] = start
	t.sendIndex = (t.sendIndex + 1) % t.cfg.ReqDepth
	t.pending++
	t.sendSeq++
	return nil
}

// SendAck transmits the pre-built ACK header for queue slot qindex,
// performing the corresponding RDMA operation first when one is attached.
func (t *Task) SendAck(sock transport.Socket, qindex uint16, engine rdma.Engine) error {
	hdr := &t.ackHeader[qindex]

	if hdr.RDMA.Op != wire.RDMAOpNone {
		if t.rdmaInFlight[qindex] {
			t.drainRDMAs = true
			return transport.ErrWouldBlock
		}
		token := rdma.Token(uint32(t.nr), uint32(qindex), uint32(t.cfg.ReqDepth))
		if err := engine.Submit(token, hdr.RDMA, t.localBuf[qindex]); err != nil {
			return err
		}
		t.rdmaInFlight[qindex] = true
	}

	size := t.cfg.AckSize
	buf := make([]byte, size)
	hdr.Seq = t.sendSeq
	wire.Fill(buf, size, hdr)
	if err := sock.Send(buf, t.dst); err != nil {
		return err
	}
	t.sendSeq++

	t.Stats.Pkts.Inc(1)
	t.Stats.Bytes.Inc(uint64(size))
	switch hdr.RDMA.Op {
	case wire.RDMAOpWrite:
		t.Stats.RDMAWrite.Inc(uint64(t.cfg.RDMASize))
	case wire.RDMAOpRead:
		t.Stats.RDMARead.Inc(uint64(t.cfg.RDMASize))
	}
	return nil
}

// SendAnything drains pending acks then fills the request window, the same
// ack-before-fill ordering the original enforces so peers never see an
// endlessly growing unacked count. canSend gates whether the socket is
// currently writable; when it isn't and there is work left to do,
// transport.ErrWouldBlock is returned so the caller knows to wait for
// writability.
func (t *Task) SendAnything(sock transport.Socket, engine rdma.Engine, canSend bool) error {
	for t.unacked > 0 || t.pending < t.cfg.ReqDepth {
		if t.unacked > 0 {
			qindex := (t.recvIndex - t.unacked + t.cfg.ReqDepth) % t.cfg.ReqDepth
			if !canSend {
				return transport.ErrWouldBlock
			}
			if err := t.SendAck(sock, qindex, engine); err != nil {
				return err
			}
			t.unacked--
			continue
		}
		if !canSend {
			return transport.ErrWouldBlock
		}
		if err := t.SendOne(sock); err != nil {
			return err
		}
	}
	return nil
}

// RecvResult reports what kind of message RecvOne just processed.
type RecvResult struct {
	IsAck    bool
	RTT      time.Duration
	RDMAAck  bool
}

// RecvOne validates and applies one inbound datagram already known to
// belong to this task (selected by the caller from the from-port offset).
// For a REQUEST it builds the matching ACK header (and RDMA annex, if any)
// ready for SendAnything to transmit; for an ACK it updates pending/RTT.
// engine is only touched when the inbound message carries an RDMA annex: the
// slot's remote-mirror buffer is (re-)registered under the peer-chosen key
// so the following SendAck's Submit call resolves it, the software stand-in
// for a real memory-registration exchange over an out-of-band verbs channel.
func (t *Task) RecvOne(buf []byte, size uint32, wantSize uint32, op wire.Op, engine rdma.Engine) (RecvResult, error) {
	if size != wantSize {
		return RecvResult{}, fmt.Errorf("task %d: message size %d, want %d", t.nr, size, wantSize)
	}
	t.Stats.Bytes.Inc(uint64(size))

	var expectIndex uint16
	if op == wire.OpAck {
		expectIndex = (t.sendIndex - t.pending + t.cfg.ReqDepth) % t.cfg.ReqDepth
	} else {
		expectIndex = t.recvIndex
	}

	want := wire.Header{
		Op:       op,
		Seq:      t.recvSeq,
		FromAddr: ip4ToUint32(t.dst.IP),
		FromPort: uint16(t.dst.Port),
		ToAddr:   ip4ToUint32(t.src.IP),
		ToPort:   uint16(t.src.Port),
		Index:    expectIndex,
	}
	if mismatch, mm := wire.Check(buf, size, &want, t.cfg.Verify); mismatch {
		return RecvResult{}, fmt.Errorf("task %d: bogus header: %s", t.nr, mm)
	}

	in := wire.Decode(buf)
	var result RecvResult

	if op == wire.OpAck {
		result.IsAck = true
		result.RTT = time.Since(t.sendTime[expectIndex])
		t.Stats.RTTNanos.Inc(uint64(result.RTT.Nanoseconds()))
		t.pending--

		if in.RDMA.Key != 0 {
			result.RDMAAck = true
			switch in.RDMA.Op {
			case wire.RDMAOpWrite:
				// The peer wrote our local memory: inbound from our side.
				t.Stats.RDMARead.Inc(uint64(in.RDMA.Size))
				if t.cfg.Verify && !rdma.PatternMatches(t.localBuf[expectIndex][:in.RDMA.Size], in.RDMA.Pattern) {
					t.Stats.Corrupt.Inc(1)
				}
			case wire.RDMAOpRead:
				// The peer read our local memory: outbound from our side.
				t.Stats.RDMAWrite.Inc(uint64(in.RDMA.Size))
			}
		}
	} else {
		ack := t.buildHeader(wire.OpAck, t.recvIndex)
		if in.RDMA.Op != wire.RDMAOpNone {
			if err := rdma.Validate(in.RDMA, t.cfg.RDMASize); err != nil {
				return RecvResult{}, err
			}
			if engine != nil {
				engine.Register(in.RDMA.Key, t.remoteBuf[t.recvIndex])
			}
			rdma.BuildAck(&ack, &in)
		}
		t.ackHeader[t.recvIndex] = ack
		t.unacked++
		t.recvIndex = (t.recvIndex + 1) % t.cfg.ReqDepth
	}
	t.recvSeq++
	return result, nil
}

// MarkRDMACompleted clears the in-flight flag for the queue slot a
// completion notification refers to, mirroring rdma_mark_completed.
func (t *Task) MarkRDMACompleted(qindex uint16) {
	t.rdmaInFlight[qindex] = false
	t.drainRDMAs = false
}

// LocalBuf returns the RDMA scratch buffer for queue slot qindex.
func (t *Task) LocalBuf(qindex uint16) []byte { return t.localBuf[qindex] }

// RemoteBuf returns the simulated remote memory region for queue slot
// qindex, registered with the engine under its own key.
func (t *Task) RemoteBuf(qindex uint16) []byte { return t.remoteBuf[qindex] }
