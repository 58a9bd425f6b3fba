// Package transport abstracts the reliable, connection-less, sequenced
// datagram transport that carries REQUEST/ACK traffic between tasks. The
// production implementation binds this to a Linux SCTP SOCK_SEQPACKET
// socket (the closest portable analogue to RDS); tests bind it to an
// in-process loopback implementation.
package transport

import (
	"errors"
	"net"
	"time"
)

// ErrWouldBlock is returned by Send/Recv when the operation cannot proceed
// without blocking, mirroring EAGAIN/EWOULDBLOCK on a non-blocking socket.
var ErrWouldBlock = errors.New("transport: would block")

// Datagram is one sequenced-packet message along with the peer address it
// was received from (or is destined to), and the instant it was read.
type Datagram struct {
	Payload []byte
	Addr    *net.UDPAddr
	At      time.Time
}

// Socket is a non-blocking, connection-less, sequenced-packet endpoint.
// One Socket is shared by every task a child drives; the from/to address
// embedded in each Datagram disambiguates which task a message belongs to.
type Socket interface {
	// LocalAddr returns the address the socket is bound to.
	LocalAddr() *net.UDPAddr

	// Send transmits buf to addr. It returns ErrWouldBlock if the send
	// queue is currently full.
	Send(buf []byte, addr *net.UDPAddr) error

	// Recv returns the next available datagram. It returns ErrWouldBlock
	// if none is currently available.
	Recv(buf []byte) (Datagram, error)

	// Readable returns a channel that is sent to whenever the socket may
	// have become readable or writable; used to drive a poll-style event
	// loop without a real epoll fd.
	Readable() <-chan struct{}

	Close() error
}

// CongestionMonitor reports, for a given destination port, whether the
// kernel congestion map currently marks it congested. A real RDS socket
// delivers congestion updates via RDS_CMSG_CONG_UPDATE; the software
// implementation here exposes the same query surface over an in-memory
// bitmap fed by the loopback simulator.
type CongestionMonitor interface {
	Congested(port uint16) bool
}
