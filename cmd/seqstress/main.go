// Command seqstress measures one-to-one reliable datagram throughput,
// round-trip latency and (simulated) one-sided remote-memory transfer
// rates between two hosts, reporting the same running and averaged
// statistics its ancestor tool did.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/seqstress/internal/bootstrap"
	"github.com/simeonmiteff/seqstress/internal/child"
	"github.com/simeonmiteff/seqstress/internal/connstats"
	"github.com/simeonmiteff/seqstress/internal/kernelinfo"
	"github.com/simeonmiteff/seqstress/internal/options"
	"github.com/simeonmiteff/seqstress/internal/orchestrator"
	"github.com/simeonmiteff/seqstress/internal/promexport"
	"github.com/simeonmiteff/seqstress/internal/rdma"
	"github.com/simeonmiteff/seqstress/internal/shm"
	"github.com/simeonmiteff/seqstress/internal/soak"
	"github.com/simeonmiteff/seqstress/internal/stats"
	"github.com/simeonmiteff/seqstress/internal/task"
	"github.com/simeonmiteff/seqstress/internal/transport"
)

// Role-dispatch sentinels: a re-exec'd worker process is told what to do by
// putting one of these as its very first argument, ahead of its own small
// flag set. The parent never sees these on a real command line.
const (
	childRoleArg = "--seqstress-child"
	soakRoleArg  = "--seqstress-soak"
)

func main() {
	log := newLogger()
	args := os.Args[1:]

	switch {
	case len(args) > 0 && args[0] == childRoleArg:
		os.Exit(runChildRole(args[1:], log))
	case len(args) > 0 && args[0] == soakRoleArg:
		os.Exit(runSoakRole(args[1:], log))
	default:
		os.Exit(runParent(args, log))
	}
}

func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(l)
}

// runParent implements the top-level CLI: parse options, bootstrap with
// the peer over TCP, spawn the measurement children, and drive the
// reporting loop until the run ends.
func runParent(args []string, log *logrus.Entry) int {
	opts, err := options.Parse(args)
	if err != nil {
		var fe *options.FatalError
		if errors.As(err, &fe) {
			fmt.Fprintln(os.Stderr, fe.Error())
			return fe.Code
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log = log.WithField("run_id", xid.New().String())

	kinfo, err := kernelinfo.Detect()
	if err != nil {
		log.WithError(err).Debug("could not detect kernel version")
	} else {
		log.WithField("kernel", kinfo.String()).WithField("sctp_auth", kinfo.SupportsSCTPAuth).Debug("detected kernel")
	}

	registry := prometheus.NewRegistry()
	tcpInfoCollector := promexport.NewTCPInfoCollector("seqstress", nil, nil, func(err error) {
		log.WithError(err).Warn("promexport: bootstrap tcpinfo read failed")
	})
	registry.MustRegister(tcpInfoCollector)

	if opts.PromListen != "" {
		go serveMetrics(opts.PromListen, registry, log)
	}

	report := func(c *connstats.Conn, event connstats.Event) {
		entry := log.WithField("event", event.String())
		if event == connstats.Opened {
			tcpInfoCollector.Add(c.Conn, nil)
		} else {
			tcpInfoCollector.Remove(c.Conn)
			for _, w := range c.Warnings() {
				entry = entry.WithField("warning", w)
			}
		}
		entry.Debug("bootstrap connection event")
	}

	finalOpts, err := negotiate(opts, report, log)
	if err != nil {
		log.WithError(err).Error("bootstrap failed")
		return 1
	}

	if opts.ShowParams {
		fmt.Printf("tasks %d req size %d ack size %d rdma size %d depth %d run time %ds\n",
			finalOpts.NrTasks, finalOpts.ReqSize, finalOpts.AckSize, finalOpts.RDMASize,
			finalOpts.ReqDepth, finalOpts.RunTime)
		if kinfo != nil {
			fmt.Printf("kernel %s sctp auth %v\n", kinfo.String(), kinfo.SupportsSCTPAuth)
		}
	}

	launch := func(index, localPort int) []string {
		return []string{
			childRoleArg,
			"-index", strconv.Itoa(index),
			"-nr-tasks", strconv.Itoa(int(finalOpts.NrTasks)),
			"-local-port", strconv.Itoa(localPort),
			"-remote-port", strconv.Itoa(localPort),
			"-local-ip", finalOpts.ReceiveAddr.String(),
			"-remote-ip", finalOpts.SendAddr.String(),
			"-req-size", strconv.Itoa(int(finalOpts.ReqSize)),
			"-ack-size", strconv.Itoa(int(finalOpts.AckSize)),
			"-req-depth", strconv.Itoa(int(finalOpts.ReqDepth)),
			"-rdma-size", strconv.Itoa(int(finalOpts.RDMASize)),
			"-verify", strconv.FormatBool(finalOpts.Verify),
			"-use-cong", strconv.FormatBool(finalOpts.UseCongMonitor),
			"-parent-pid", strconv.Itoa(os.Getpid()),
		}
	}
	soakLaunch := func(index int) []string {
		return []string{
			soakRoleArg,
			"-index", strconv.Itoa(index),
			"-count", strconv.Itoa(soak.NumCPU()),
			"-parent-pid", strconv.Itoa(os.Getpid()),
		}
	}

	orch, err := orchestrator.Spawn(finalOpts, launch, soakLaunch, log)
	if err != nil {
		log.WithError(err).Error("could not start children")
		return 1
	}
	defer orch.Close()

	taskCollector := promexport.NewCollector("seqstress", nil)
	registry.MustRegister(taskCollector)
	for i := 0; i < orch.NrChildren(); i++ {
		idx := i
		taskCollector.Add(strconv.Itoa(idx), "0", func() stats.Set { return orch.ChildStats(idx) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("run failed")
		return 1
	}
	return 0
}

// negotiate performs the bootstrap rendezvous and returns the options both
// sides agreed to run with.
func negotiate(opts *options.Options, report connstats.ReportFunc, log *logrus.Entry) (*options.Options, error) {
	bootAddr := &net.TCPAddr{IP: opts.ReceiveAddr, Port: int(opts.StartingPort)}

	if opts.Active {
		dial := &net.TCPAddr{IP: opts.SendAddr, Port: int(opts.StartingPort)}
		conn, err := bootstrap.Connect(dial, opts.ConnectRetries, log)
		if err != nil {
			return nil, err
		}
		if err := bootstrap.ExchangeActive(conn, opts, report); err != nil {
			return nil, err
		}
		return opts, nil
	}

	conn, err := bootstrap.Listen(bootAddr)
	if err != nil {
		return nil, err
	}

	peer := &options.Options{StartingPort: opts.StartingPort, ReceiveAddr: opts.ReceiveAddr}
	if err := bootstrap.ExchangePassive(conn, peer, report); err != nil {
		return nil, err
	}

	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer.SendAddr = tcpAddr.IP
	}
	peer.Active = false
	return peer, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("promexport: metrics server exited")
	}
}

// runChildRole is the entry point a re-exec'd measurement child runs
// under: attach to the inherited shared-memory slot, bind its socket, and
// drive the event loop until the parent dies or it is signalled.
func runChildRole(args []string, log *logrus.Entry) int {
	fs := flag.NewFlagSet("seqstress-child", flag.ExitOnError)
	index := fs.Int("index", 0, "")
	nrTasks := fs.Int("nr-tasks", 1, "")
	localPort := fs.Int("local-port", 0, "")
	remotePort := fs.Int("remote-port", 0, "")
	localIP := fs.String("local-ip", "", "")
	remoteIP := fs.String("remote-ip", "", "")
	reqSize := fs.Uint("req-size", 0, "")
	ackSize := fs.Uint("ack-size", 0, "")
	reqDepth := fs.Uint("req-depth", 1, "")
	rdmaSize := fs.Uint("rdma-size", 0, "")
	verify := fs.Bool("verify", false, "")
	useCong := fs.Bool("use-cong", false, "")
	parentPID := fs.Int("parent-pid", 0, "")
	fs.Parse(args)

	log = log.WithField("task", *index)

	region, err := shm.OpenFd(3, *nrTasks*shm.ChildControlStride)
	if err != nil {
		log.WithError(err).Error("child: could not map shared control region")
		return 1
	}
	ctl := shm.Slot[shm.ChildControl](region, *index, shm.ChildControlStride)

	src := &net.UDPAddr{IP: net.ParseIP(*localIP), Port: *localPort}
	dst := &net.UDPAddr{IP: net.ParseIP(*remoteIP), Port: *remotePort}

	sock, err := transport.ListenSCTPSeqpacket(src)
	if err != nil {
		log.WithError(err).Error("child: could not bind socket")
		return 1
	}
	defer sock.Close()

	engine := rdma.NewSoftwareEngine(*verify)
	defer engine.Close()

	cfg := task.Config{
		ReqDepth:      uint16(*reqDepth),
		ReqSize:       uint32(*reqSize),
		AckSize:       uint32(*ackSize),
		RDMASize:      uint32(*rdmaSize),
		Verify:        *verify,
		UseCongestion: *useCong,
	}
	t := task.New(*index, cfg, src, dst, rdma.NewKeyAllocator())

	c := child.New([]*task.Task{t}, sock, engine, nil, ctl, *parentPID, cfg.ReqSize, cfg.AckSize, cfg.ReqDepth, log)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("child exited with error")
		return 1
	}
	return 0
}

// runSoakRole is the entry point a re-exec'd CPU soaker runs under.
func runSoakRole(args []string, log *logrus.Entry) int {
	fs := flag.NewFlagSet("seqstress-soak", flag.ExitOnError)
	index := fs.Int("index", 0, "")
	count := fs.Int("count", soak.NumCPU(), "")
	parentPID := fs.Int("parent-pid", 0, "")
	fs.Parse(args)

	region, err := shm.OpenFd(3, *count*shm.SoakControlStride)
	if err != nil {
		log.WithError(err).Error("soak: could not map shared control region")
		return 1
	}
	ctl := shm.Slot[shm.SoakControl](region, *index, shm.SoakControlStride)
	s := soak.NewSoaker(ctl)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		s.Stop()
	}()

	s.Run(*parentPID)
	return 0
}
