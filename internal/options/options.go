// Package options parses CLI flags into the run configuration shared by
// every other component, and marshals the subset of it exchanged with the
// peer during bootstrap.
package options

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"

	"github.com/simeonmiteff/seqstress/internal/wire"
)

// FatalError marks an error that should terminate the process with a
// specific exit code, matching the original's die()/die_errno() calls
// which always exit(1) after printing a message.
type FatalError struct {
	Code int
	Err  error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Options mirrors rds-stress's struct options: every field controllable
// from the command line, plus the local Active role flag. Only the subset
// MarshalWire encodes crosses the wire.
type Options struct {
	StartingPort uint16
	ReceiveAddr  net.IP
	SendAddr     net.IP

	AckSize  uint32
	ReqSize  uint32
	ReqDepth uint32
	NrTasks  uint16
	RunTime  uint32
	RDMASize uint32

	SummaryOnly     bool
	RTPrio          bool
	Tracing         bool
	Verify          bool
	ShowParams      bool
	ShowPerfdata    bool
	UseCongMonitor  bool
	RDMAUseOnce     bool
	RDMAUseGetMR    bool
	SuppressWarning bool

	RDMAAlignment  uint32
	ConnectRetries uint32
	CPUSoak        bool

	PromListen string

	// Active is true when this process initiates the bootstrap
	// connection (an -s peer was given); false means passive (listen only).
	Active bool
}

const (
	minAckBytes    = wire.Size
	defaultReqSize = 1024
)

// Parse parses args (excluding the program name) into an Options value,
// applying the same defaults and required-field checks as the original's
// getopt_long loop.
func Parse(args []string) (*Options, error) {
	fs := flag.NewFlagSet("seqstress", flag.ContinueOnError)

	var (
		port        = fs.Uint("p", 0, "starting port number (required)")
		recvAddr    = fs.String("r", "", "receive on this host or dotted quad (required)")
		sendAddr    = fs.String("s", "", "send to this passive dotted quad")
		ackBytes    = fs.Uint("a", minAckBytes, "ack message length")
		reqBytes    = fs.Uint("q", defaultReqSize, "request message length")
		depth       = fs.Uint("d", 1, "request pipeline depth")
		nrTasks     = fs.Uint("t", 1, "number of child tasks")
		runSecs     = fs.Uint("T", 0, "runtime of test, 0 means infinite")
		rdmaBytes   = fs.Uint("D", 0, "RDMA size")
		summary     = fs.Bool("z", false, "print a summary at end of test only")
		cpuSoak     = fs.Bool("c", false, "measure cpu use with per-cpu soak processes")
		trace       = fs.Bool("V", false, "trace execution")
		verify      = fs.Bool("v", false, "verify packet contents")
		rtprio      = fs.Bool("R", false, "run with realtime scheduling priority")
		showParams  = fs.Bool("show-params", false, "print resolved run parameters before starting")
		showPerf    = fs.Bool("show-perfdata", false, "print machine-readable perfdata summary")
		congMonitor = fs.Bool("use-cong-monitor", true, "honour RDS congestion monitor updates")
		rdmaOnce    = fs.Bool("rdma-use-once", false, "register RDMA memory for single use")
		rdmaGetMR   = fs.Bool("rdma-use-get-mr", false, "obtain RDMA keys via explicit registration")
		rdmaAlign   = fs.Uint("rdma-alignment", 0, "RDMA buffer alignment in bytes")
		retries     = fs.Uint("connect-retries", 0, "bootstrap connect retry attempts")
		promListen  = fs.String("prom-listen", "", "address to serve Prometheus metrics on, empty disables it")
	)

	if err := fs.Parse(args); err != nil {
		return nil, &FatalError{Code: 2, Err: err}
	}

	if *port == 0 {
		return nil, &FatalError{Code: 2, Err: fmt.Errorf("options: -p (starting port) is required")}
	}
	if *recvAddr == "" {
		return nil, &FatalError{Code: 2, Err: fmt.Errorf("options: -r (receive address) is required")}
	}

	recv := net.ParseIP(*recvAddr)
	if recv == nil {
		return nil, &FatalError{Code: 2, Err: fmt.Errorf("options: invalid -r address %q", *recvAddr)}
	}

	o := &Options{
		StartingPort:   uint16(*port),
		ReceiveAddr:    recv,
		AckSize:        uint32(*ackBytes),
		ReqSize:        uint32(*reqBytes),
		ReqDepth:       uint32(*depth),
		NrTasks:        uint16(*nrTasks),
		RunTime:        uint32(*runSecs),
		RDMASize:       uint32(*rdmaBytes),
		SummaryOnly:    *summary,
		RTPrio:         *rtprio,
		Tracing:        *trace,
		Verify:         *verify,
		ShowParams:     *showParams,
		ShowPerfdata:   *showPerf,
		UseCongMonitor: *congMonitor,
		RDMAUseOnce:    *rdmaOnce,
		RDMAUseGetMR:   *rdmaGetMR,
		RDMAAlignment:  uint32(*rdmaAlign),
		ConnectRetries: uint32(*retries),
		CPUSoak:        *cpuSoak,
		PromListen:     *promListen,
	}

	if *sendAddr != "" {
		send := net.ParseIP(*sendAddr)
		if send == nil {
			return nil, &FatalError{Code: 2, Err: fmt.Errorf("options: invalid -s address %q", *sendAddr)}
		}
		o.SendAddr = send
		o.Active = true
	}

	if o.AckSize < minAckBytes {
		return nil, &FatalError{Code: 2, Err: fmt.Errorf("options: ack size must be at least %d bytes", minAckBytes)}
	}
	if o.ReqSize < o.AckSize {
		return nil, &FatalError{Code: 2, Err: fmt.Errorf("options: request size must be at least ack size")}
	}

	return o, nil
}

// WireSize is the fixed marshaled size of the options exchanged at
// bootstrap.
const WireSize = 4 + 4 + 4 + 2 + 4 + 4 + 1 + 1 + 1 + 1

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// MarshalWire encodes the peer-visible subset of o using
// encoding/binary with a fixed field order. Every multi-byte field is
// written big-endian, not in host byte order, the same as internal/wire's
// datagram header.
func (o *Options) MarshalWire() []byte {
	buf := make([]byte, WireSize)
	binary.BigEndian.PutUint32(buf[0:4], o.AckSize)
	binary.BigEndian.PutUint32(buf[4:8], o.ReqSize)
	binary.BigEndian.PutUint32(buf[8:12], o.ReqDepth)
	binary.BigEndian.PutUint16(buf[12:14], o.NrTasks)
	binary.BigEndian.PutUint32(buf[14:18], o.RunTime)
	binary.BigEndian.PutUint32(buf[18:22], o.RDMASize)
	buf[22] = boolByte(o.Verify)
	buf[23] = boolByte(o.UseCongMonitor)
	buf[24] = boolByte(o.RDMAUseOnce)
	buf[25] = boolByte(o.RDMAUseGetMR)
	return buf
}

// UnmarshalWire applies the peer-visible fields from buf onto o, leaving
// every local-only field untouched.
func (o *Options) UnmarshalWire(buf []byte) error {
	if len(buf) < WireSize {
		return fmt.Errorf("options: wire block too short: %d bytes, want %d", len(buf), WireSize)
	}
	o.AckSize = binary.BigEndian.Uint32(buf[0:4])
	o.ReqSize = binary.BigEndian.Uint32(buf[4:8])
	o.ReqDepth = binary.BigEndian.Uint32(buf[8:12])
	o.NrTasks = binary.BigEndian.Uint16(buf[12:14])
	o.RunTime = binary.BigEndian.Uint32(buf[14:18])
	o.RDMASize = binary.BigEndian.Uint32(buf[18:22])
	o.Verify = buf[22] != 0
	o.UseCongMonitor = buf[23] != 0
	o.RDMAUseOnce = buf[24] != 0
	o.RDMAUseGetMR = buf[25] != 0
	return nil
}
