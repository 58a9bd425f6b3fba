//go:build linux

// Package shm implements the anonymous shared-memory region a parent and
// its re-exec'd children use to exchange control state and counters
// without true fork(): a memfd_create'd, mmap'd region passed to the
// child via os/exec.Cmd.ExtraFiles.
package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cacheLine is the alignment every shared record is padded to, so that two
// CPUs updating adjacent children's records never false-share a line. This
// is "arbitrary" the same way the original's `__attribute__((aligned(256)))`
// is: bigger than any real cache line, picked for headroom rather than a
// measured number.
const cacheLine = 256

// Region is a memfd-backed anonymous mapping shared between a parent and
// one child process.
type Region struct {
	fd   int
	data []byte
}

// Create allocates a new anonymous shared memory region of at least size
// bytes (rounded up to a page), suitable for passing to a child via
// ExtraFiles.
func Create(name string, size int) (*Region, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}

	pageSize := unix.Getpagesize()
	size = ((size + pageSize - 1) / pageSize) * pageSize

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	return &Region{fd: fd, data: data}, nil
}

// OpenFd maps an already-created region inherited over fd (as a child
// process would receive it through ExtraFiles).
func OpenFd(fd int, size int) (*Region, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}
	return &Region{fd: fd, data: data}, nil
}

// Fd returns the underlying file descriptor, to be placed in a child's
// ExtraFiles.
func (r *Region) Fd() int { return r.fd }

// Bytes returns the raw mapped region.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps the region. It does not close the fd, since the parent may
// still be using it for other children's mappings of the same file.
func (r *Region) Close() error {
	return unix.Munmap(r.data)
}

// Slot returns a pointer to the cache-line-aligned record at index i
// within the region, sized stride bytes (callers pass the padded size of
// their own record type). The region must have been created with at least
// (i+1)*stride bytes.
func Slot[T any](r *Region, i int, stride int) *T {
	off := i * stride
	return (*T)(unsafe.Pointer(&r.data[off]))
}

// PaddedSize rounds sz up to the next multiple of cacheLine, the stride to
// use when laying out an array of per-child records in a Region.
func PaddedSize(sz int) int {
	return ((sz + cacheLine - 1) / cacheLine) * cacheLine
}
