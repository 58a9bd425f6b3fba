//go:build linux

package promexport

import (
	"fmt"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/simeonmiteff/seqstress/pkg/linux"
)

type tcpInfoMetric struct {
	description *prometheus.Desc
	supplier    func(info *linux.TCPInfo) float64
}

type bootstrapConnEntry struct {
	fd     int
	labels []string
}

// TCPInfoCollector exports TCP_INFO fields for the bootstrap rendezvous
// connection. Unlike Collector (which tracks the measured datagram
// traffic), there is normally at most one connection registered here: the
// one TCP socket this binary ever opens, used only to exchange options
// and a start signal with the peer before the measured run begins.
type TCPInfoCollector struct {
	mu      sync.Mutex
	conns   map[net.Conn]bootstrapConnEntry
	logger  func(error)
	metrics []tcpInfoMetric
}

// NewTCPInfoCollector builds a TCPInfoCollector with one metric per
// TCP_INFO field worth surfacing, under the given prefix.
func NewTCPInfoCollector(prefix string, labelNames []string, constLabels prometheus.Labels, logger func(error)) *TCPInfoCollector {
	def := func(name, help string, supplier func(info *linux.TCPInfo) float64) tcpInfoMetric {
		return tcpInfoMetric{
			description: prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, labelNames, constLabels),
			supplier:    supplier,
		}
	}

	return &TCPInfoCollector{
		conns:  make(map[net.Conn]bootstrapConnEntry),
		logger: logger,
		metrics: []tcpInfoMetric{
			def("bootstrap_rtt_microseconds", "bootstrap connection smoothed RTT", func(i *linux.TCPInfo) float64 { return float64(i.RTT) }),
			def("bootstrap_retransmits", "bootstrap connection retransmit count", func(i *linux.TCPInfo) float64 { return float64(i.Retransmits) }),
			def("bootstrap_snd_cwnd", "bootstrap connection sender congestion window", func(i *linux.TCPInfo) float64 { return float64(i.SndCWnd) }),
		},
	}
}

// Add registers conn for TCP_INFO scraping, labeled by labels (which must
// match the labelNames passed to NewTCPInfoCollector).
func (t *TCPInfoCollector) Add(conn net.Conn, labels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[conn] = bootstrapConnEntry{fd: netfd.GetFdFromConn(conn), labels: labels}
}

// Remove unregisters conn, typically when it's closed.
func (t *TCPInfoCollector) Remove(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

func (t *TCPInfoCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range t.metrics {
		descs <- m.description
	}
}

func (t *TCPInfoCollector) Collect(out chan<- prometheus.Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for conn, entry := range t.conns {
		info, err := linux.GetTCPInfo(entry.fd)
		if err != nil {
			if t.logger != nil {
				t.logger(fmt.Errorf("promexport: tcpinfo for %v -> %v: %w", conn.LocalAddr(), conn.RemoteAddr(), err))
			}
			delete(t.conns, conn)
			continue
		}
		for _, m := range t.metrics {
			out <- prometheus.MustNewConstMetric(m.description, prometheus.GaugeValue, m.supplier(info), entry.labels...)
		}
	}
}
