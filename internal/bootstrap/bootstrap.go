// Package bootstrap implements the TCP rendezvous the two peers use before
// the measured run starts: option exchange and a one-byte "go" handshake.
// Both complete inside one Exchange call, before the caller starts its
// children, so the handshake confirms that the peer has the options, not
// that the peer's children are up.
package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/seqstress/internal/connstats"
	"github.com/simeonmiteff/seqstress/internal/options"
)

// DialRetryDelay is how long Connect waits between retry attempts.
const DialRetryDelay = time.Second

// Connect dials addr, retrying up to opts.ConnectRetries times on
// connection-refused/host-unreachable/network-unreachable errors, the same
// tolerance peer_connect gives a passive side that hasn't started
// listening yet.
func Connect(addr *net.TCPAddr, retries uint32, log *logrus.Entry) (net.Conn, error) {
	var lastErr error
	for attempt := uint32(0); attempt <= retries; attempt++ {
		conn, err := net.DialTCP("tcp", nil, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, syscall.EHOSTUNREACH) && !errors.Is(err, syscall.ENETUNREACH) {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Debug("bootstrap: connect retrying")
		time.Sleep(DialRetryDelay)
	}
	return nil, fmt.Errorf("bootstrap: connect to %s: %w", addr, lastErr)
}

// Listen binds and accepts exactly one connection at addr, then stops
// listening, matching passive_parent's single-peer assumption.
func Listen(addr *net.TCPAddr) (net.Conn, error) {
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: listen: %w", err)
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: accept: %w", err)
	}
	return conn, nil
}

// ExchangeActive sends our local options to the peer and waits for the
// "go" handshake, playing the active_parent role: we dictate the options,
// the peer has no say in them.
func ExchangeActive(conn net.Conn, o *options.Options, report connstats.ReportFunc) error {
	c := connstats.Wrap(conn, report)
	defer c.Close()

	if _, err := c.Write(o.MarshalWire()); err != nil {
		return fmt.Errorf("bootstrap: send options: %w", err)
	}

	var ok [1]byte
	if _, err := c.Write(ok[:]); err != nil {
		return fmt.Errorf("bootstrap: send go: %w", err)
	}
	if _, err := readFull(c, ok[:]); err != nil {
		return fmt.Errorf("bootstrap: recv go: %w", err)
	}
	return nil
}

// ExchangePassive receives the peer's options (overlaying onto o, which
// the caller pre-populates with locally-fixed fields such as StartingPort
// and ReceiveAddr; SendAddr is left for the caller to fill in afterwards)
// and completes the "go" handshake, playing the passive_parent role.
func ExchangePassive(conn net.Conn, o *options.Options, report connstats.ReportFunc) error {
	c := connstats.Wrap(conn, report)
	defer c.Close()

	buf := make([]byte, options.WireSize)
	if _, err := readFull(c, buf); err != nil {
		return fmt.Errorf("bootstrap: recv options: %w", err)
	}
	if err := o.UnmarshalWire(buf); err != nil {
		return err
	}

	var ok [1]byte
	if _, err := readFull(c, ok[:]); err != nil {
		return fmt.Errorf("bootstrap: recv go: %w", err)
	}
	if _, err := c.Write(ok[:]); err != nil {
		return fmt.Errorf("bootstrap: send go: %w", err)
	}
	return nil
}

func readFull(c *connstats.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
