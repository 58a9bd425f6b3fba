//go:build linux

// Package connstats wraps the TCP bootstrap connection with byte and
// timing telemetry, reporting an open and close event the way a
// diagnostics log line would. It is used only for the rendezvous channel
// (internal/bootstrap): the measured datagram traffic has its own counters
// (internal/stats) and never goes through a net.Conn.
package connstats

import (
	"net"
	"strconv"
	"time"

	"github.com/higebu/netfd"

	"github.com/simeonmiteff/seqstress/pkg/linux"
)

// Event identifies which lifecycle transition a report describes.
type Event int

const (
	Opened Event = iota
	Closed
)

func (e Event) String() string {
	if e == Closed {
		return "close"
	}
	return "open"
}

// ReportFunc is invoked once when the connection opens and once when it
// closes.
type ReportFunc func(c *Conn, event Event)

// Conn wraps a net.Conn, tracking byte counts and timestamps and
// optionally gathering kernel TCP_INFO at open and close (Linux only;
// linux.GetTCPInfo returns ErrKernelTooOld on kernels old enough not to
// support it, which Wrap treats the same as "not available").
type Conn struct {
	net.Conn

	report ReportFunc

	OpenedAt, ClosedAt           time.Time
	FirstRxAt, LastRxAt          time.Time
	FirstTxAt, LastTxAt          time.Time
	TxBytes, RxBytes             int64
	Reconnects                   int
	RxErr, TxErr, InfoErr        error
	OpenedInfo, ClosedInfo       *linux.TCPInfo
}

// Wrap wraps conn, immediately firing an Opened report.
func Wrap(conn net.Conn, report ReportFunc) *Conn {
	w := &Conn{Conn: conn, report: report, OpenedAt: time.Now()}
	w.gather(Opened)
	return w
}

// SetReconnects records how many additional dial attempts preceded this
// connection succeeding; reported in the final summary the caller emits.
func (c *Conn) SetReconnects(n int) { c.Reconnects = n }

func (c *Conn) gather(event Event) {
	defer func() {
		if c.report != nil {
			c.report(c, event)
		}
	}()

	if c.InfoErr != nil {
		return
	}
	fd := netfd.GetFdFromConn(c.Conn)
	if fd < 0 {
		return
	}
	info, err := linux.GetTCPInfo(fd)
	if err != nil {
		c.InfoErr = err
		return
	}
	if event == Opened {
		c.OpenedInfo = info
	} else {
		c.ClosedInfo = info
	}
}

func (c *Conn) Close() error {
	c.ClosedAt = time.Now()
	c.gather(Closed)
	return c.Conn.Close()
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		now := time.Now()
		if c.FirstRxAt.IsZero() {
			c.FirstRxAt = now
		}
		c.LastRxAt = now
	}
	c.RxBytes += int64(n)
	if err != nil {
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			c.RxErr = err
		}
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		now := time.Now()
		if c.FirstTxAt.IsZero() {
			c.FirstTxAt = now
		}
		c.LastTxAt = now
	}
	c.TxBytes += int64(n)
	if err != nil {
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			c.TxErr = err
		}
	}
	return n, err
}

// Warnings summarizes anything noteworthy observed about the connection:
// reconnect attempts and retransmits seen in either TCP_INFO snapshot.
func (c *Conn) Warnings() []string {
	var warns []string
	if c.Reconnects > 0 {
		warns = append(warns, "reconnects="+strconv.Itoa(c.Reconnects))
	}
	for _, info := range []*linux.TCPInfo{c.OpenedInfo, c.ClosedInfo} {
		if info != nil && info.Retransmits > 0 {
			warns = append(warns, "retransmits="+strconv.FormatUint(uint64(info.Retransmits), 10))
		}
	}
	return warns
}
