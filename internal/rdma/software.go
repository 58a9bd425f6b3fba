package rdma

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/simeonmiteff/seqstress/internal/wire"
)

// SoftwareEngine implements Engine by performing the one-sided copy
// directly against a shared memory region keyed by cookie, with
// completions delivered asynchronously over a buffered channel. It stands
// in for real RDMA hardware in every configuration this binary runs in,
// since a generic seqpacket socket has no verbs queue pair behind it.
type SoftwareEngine struct {
	mu      sync.Mutex
	regions map[uint64][]byte // key -> registered remote buffer
	verify  bool

	completions chan Completion
	closed      bool
}

// NewSoftwareEngine returns a ready-to-use engine. When verify is true,
// WRITE submissions first fill localBuf with the deterministic pattern
// derived from annex.Pattern and then copy it into the registered buffer,
// matching rds_fill_buffer's use in rdma_build_req. READ submissions copy
// the registered buffer into localBuf unchanged, whatever verify says.
func NewSoftwareEngine(verify bool) *SoftwareEngine {
	return &SoftwareEngine{
		regions:     make(map[uint64][]byte),
		verify:      verify,
		completions: make(chan Completion, 64),
	}
}

// Register associates key with a remote-addressable buffer, the software
// analogue of a memory-registration call returning a cookie.
func (e *SoftwareEngine) Register(key uint64, buf []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regions[key] = buf
}

// Deregister removes a previously registered buffer.
func (e *SoftwareEngine) Deregister(key uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.regions, key)
}

func (e *SoftwareEngine) Submit(token uint32, annex wire.RDMAAnnex, localBuf []byte) error {
	if uint32(len(localBuf)) < annex.Size {
		return fmt.Errorf("rdma: local buffer too small: have %d, need %d", len(localBuf), annex.Size)
	}

	e.mu.Lock()
	remote, ok := e.regions[annex.Key]
	e.mu.Unlock()
	if !ok {
		e.complete(token, StatusRemoteError)
		return nil
	}
	if uint32(len(remote)) < annex.Size {
		e.complete(token, StatusOtherError)
		return nil
	}

	switch annex.Op {
	case wire.RDMAOpWrite:
		if e.verify {
			FillPattern(localBuf[:annex.Size], annex.Pattern)
		}
		copy(remote[:annex.Size], localBuf[:annex.Size])
	case wire.RDMAOpRead:
		copy(localBuf[:annex.Size], remote[:annex.Size])
	default:
		e.complete(token, StatusOtherError)
		return nil
	}

	e.complete(token, StatusOK)
	return nil
}

func (e *SoftwareEngine) complete(token uint32, status Status) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.completions <- Completion{Token: token, Status: status}
}

func (e *SoftwareEngine) Completions() <-chan Completion {
	return e.completions
}

func (e *SoftwareEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.completions)
	return nil
}

// FillPattern writes the 8-byte pattern seed repeatedly across buf, the
// software equivalent of rds_fill_buffer.
func FillPattern(buf []byte, pattern uint64) {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], pattern)
	for i := range buf {
		buf[i] = seed[i%8]
	}
}

// PatternMatches reports whether buf matches the pattern fill produced for
// the given seed, mirroring rds_compare_buffer.
func PatternMatches(buf []byte, pattern uint64) bool {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], pattern)
	for i := range buf {
		if buf[i] != seed[i%8] {
			return false
		}
	}
	return true
}
