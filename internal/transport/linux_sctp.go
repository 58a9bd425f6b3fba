//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SCTPSeqpacket binds Socket to a non-blocking SCTP SOCK_SEQPACKET socket,
// the closest portable analogue to RDS available without a specialised
// kernel module: both are reliable, connection-less from the caller's point
// of view (one socket, many peers) and preserve message boundaries.
type SCTPSeqpacket struct {
	fd    int
	local *net.UDPAddr
	ready chan struct{}
}

// ListenSCTPSeqpacket creates and binds a non-blocking SCTP SOCK_SEQPACKET
// socket at addr.
func ListenSCTPSeqpacket(addr *net.UDPAddr) (*SCTPSeqpacket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK, unix.IPPROTO_SCTP)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind: %w", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	s := &SCTPSeqpacket{fd: fd, local: addr, ready: make(chan struct{}, 1)}
	return s, nil
}

func (s *SCTPSeqpacket) LocalAddr() *net.UDPAddr { return s.local }

func (s *SCTPSeqpacket) Send(buf []byte, addr *net.UDPAddr) error {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	err := unix.Sendto(s.fd, buf, 0, sa)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	}
	if err != nil {
		return fmt.Errorf("transport: sendto: %w", err)
	}
	return nil
}

func (s *SCTPSeqpacket) Recv(buf []byte) (Datagram, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return Datagram{}, ErrWouldBlock
	}
	if err != nil {
		return Datagram{}, fmt.Errorf("transport: recvfrom: %w", err)
	}

	addr := &net.UDPAddr{}
	if sa4, ok := from.(*unix.SockaddrInet4); ok {
		addr.IP = net.IP(sa4.Addr[:])
		addr.Port = sa4.Port
	}
	return Datagram{Payload: buf[:n], Addr: addr}, nil
}

// Readable returns a channel that is never written to: this socket's event
// loop (internal/child) falls back to its own polling ticker on Linux,
// since registering this fd with a real epoll instance would need the
// loop itself to own the epoll fd rather than select on a Go channel.
// Kept to satisfy the Socket interface the loopback test double also
// implements.
func (s *SCTPSeqpacket) Readable() <-chan struct{} {
	return s.ready
}

func (s *SCTPSeqpacket) Close() error {
	return unix.Close(s.fd)
}

// Fd exposes the raw file descriptor for registration with an epoll
// instance.
func (s *SCTPSeqpacket) Fd() int {
	return s.fd
}
