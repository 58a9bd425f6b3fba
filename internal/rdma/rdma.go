// Package rdma implements the one-sided remote-memory annex carried in band
// with the datagram header: key allocation, request/ack construction and
// the completion bookkeeping a task needs to know when a remote op lands.
//
// There is no real RDMA hardware behind a generic seqpacket socket, so
// Engine is an interface; the production binary wires it to a software
// engine that performs the copy locally and reports completion
// asynchronously, the same shape a real verbs completion queue would have.
package rdma

import (
	"fmt"
	"sync"

	"github.com/simeonmiteff/seqstress/internal/wire"
)

// Completion reports the outcome of one remote-memory operation, keyed by
// the same token a request was issued with.
type Completion struct {
	Token  uint32
	Status Status
}

// Status mirrors the outcome codes a real RDS_CMSG_RDMA_STATUS notification
// carries.
type Status int

const (
	StatusOK Status = iota
	StatusRemoteError
	StatusCanceled
	StatusDropped
	StatusOtherError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRemoteError:
		return "remote error"
	case StatusCanceled:
		return "operation was cancelled"
	case StatusDropped:
		return "operation was dropped"
	default:
		return "other error"
	}
}

// Engine performs one-sided remote-memory operations and reports their
// completion asynchronously on Completions.
type Engine interface {
	// Register associates key with a buffer reachable for a later Submit
	// call against that same key.
	Register(key uint64, buf []byte)

	// Deregister removes a previously registered buffer.
	Deregister(key uint64)

	// Submit performs the remote-memory operation described by annex against
	// localBuf (the submitting side's own buffer) using token to identify the
	// completion. For a WRITE, remote memory is updated from localBuf; for
	// a READ, localBuf is updated from remote memory.
	Submit(token uint32, annex wire.RDMAAnnex, localBuf []byte) error

	// Completions delivers one Completion per Submit call, in submission
	// order is not guaranteed, matching a real completion queue.
	Completions() <-chan Completion

	// Close releases engine resources.
	Close() error
}

// Token packs a task index and queue slot into the single uint32 a
// completion notification can carry, mirroring rdma_user_token/
// rdma_mark_completed's (task_nr * req_depth + qindex) addressing.
func Token(taskNr, qindex, reqDepth uint32) uint32 {
	return taskNr*reqDepth + qindex
}

// SplitToken inverts Token.
func SplitToken(token, reqDepth uint32) (taskNr, qindex uint32) {
	return token / reqDepth, token % reqDepth
}

// BuildRequest fills in the RDMA annex of an outgoing REQUEST header for a
// local buffer of rdmaSize bytes at the given key, toggling op from the
// task's last direction. pattern is the verification seed to embed
// (typically (send_seq<<32)|pid); it rides in the annex so the passive
// peer's ack can echo it back for comparison.
func BuildRequest(hdr *wire.Header, lastOp wire.RDMAOp, key uint64, rdmaSize uint32, pattern uint64, localAddr uint64) wire.RDMAOp {
	op := lastOp.Toggle()
	hdr.RDMA = wire.RDMAAnnex{
		Op:      op,
		Addr:    localAddr,
		Pattern: pattern,
		Key:     key,
		Size:    rdmaSize,
	}
	return op
}

// Validate checks an inbound request's RDMA annex against the locally
// configured transfer size, returning an error the passive side should
// treat as fatal (mirrors rdma_validate's die() calls).
func Validate(annex wire.RDMAAnnex, wantSize uint32) error {
	if annex.Size != wantSize {
		return fmt.Errorf("unexpected rdma size %d in request, want %d", annex.Size, wantSize)
	}
	if annex.Op != wire.RDMAOpRead && annex.Op != wire.RDMAOpWrite {
		return fmt.Errorf("unexpected rdma op %d in request", annex.Op)
	}
	return nil
}

// BuildAck copies the inbound request's RDMA annex onto the outgoing ACK
// header, so the requester can match the ack to its own bookkeeping.
func BuildAck(ack *wire.Header, in *wire.Header) {
	ack.RDMA = in.RDMA
}

// KeyAllocator hands out unique per-buffer remote-memory keys/cookies,
// standing in for a real verbs memory-registration call.
type KeyAllocator struct {
	mu   sync.Mutex
	next uint64
}

// NewKeyAllocator returns an allocator that starts handing out keys at 1;
// zero is reserved to mean "no key assigned yet".
func NewKeyAllocator() *KeyAllocator {
	return &KeyAllocator{next: 1}
}

// Alloc returns the next unique key.
func (a *KeyAllocator) Alloc() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := a.next
	a.next++
	return k
}
