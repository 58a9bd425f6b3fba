// Package promexport exposes the running counter set as Prometheus
// metrics: one gauge-family per field of stats.Set, labeled by child and
// task index so a scrape can see per-connection detail, not just a
// flattened total.
package promexport

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/simeonmiteff/seqstress/internal/stats"
)

type metricDef struct {
	description *prometheus.Desc
	supplier    func(s stats.Set) float64
}

type taskEntry struct {
	childID string
	taskNr  string
	get     func() stats.Set
}

// Collector implements prometheus.Collector over a dynamic set of tasks
// registered by the orchestrator as children come and go, the same
// add/remove-by-key shape as the teacher's TCPInfoCollector.
type Collector struct {
	mu      sync.Mutex
	tasks   map[string]taskEntry
	metrics []metricDef
}

// NewCollector builds a Collector with one metric per stats.Set field,
// all named under the given prefix.
func NewCollector(prefix string, constLabels prometheus.Labels) *Collector {
	labelNames := []string{"child", "task"}

	def := func(name, help string, supplier func(s stats.Set) float64) metricDef {
		return metricDef{
			description: prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, labelNames, constLabels),
			supplier:    supplier,
		}
	}

	c := &Collector{
		tasks: make(map[string]taskEntry),
		metrics: []metricDef{
			def("pkts_total", "total packets sent", func(s stats.Set) float64 { return float64(s.Pkts.Nr) }),
			def("bytes_total", "total payload bytes sent or received", func(s stats.Set) float64 { return float64(s.Bytes.Sum) }),
			def("rtt_nanoseconds_sum", "cumulative round-trip time in nanoseconds", func(s stats.Set) float64 { return float64(s.RTTNanos.Sum) }),
			def("rdma_read_bytes_total", "total bytes moved by RDMA read operations", func(s stats.Set) float64 { return float64(s.RDMARead.Sum) }),
			def("rdma_write_bytes_total", "total bytes moved by RDMA write operations", func(s stats.Set) float64 { return float64(s.RDMAWrite.Sum) }),
			def("send_usecs_sum", "cumulative microseconds spent inside the send(2) call", func(s stats.Set) float64 { return float64(s.SendUsecs.Sum) }),
			def("corrupt_total", "RDMA pattern-verification failures detected on an ack", func(s stats.Set) float64 { return float64(s.Corrupt.Sum) }),
		},
	}
	return c
}

func key(childID, taskNr string) string { return childID + "/" + taskNr }

// Add registers a task whose stats.Set Collect will read from get on every
// scrape. get must be safe to call concurrently with the task's own
// updates (stats.Set fields are plain counters, so callers typically pass
// a function reading a shared-memory snapshot rather than the live,
// single-writer Set itself).
func (c *Collector) Add(childID, taskNr string, get func() stats.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[key(childID, taskNr)] = taskEntry{childID: childID, taskNr: taskNr, get: get}
}

// Remove unregisters a task, typically when its child exits.
func (c *Collector) Remove(childID, taskNr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, key(childID, taskNr))
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		descs <- m.description
	}
}

func (c *Collector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tasks {
		s := t.get()
		for _, m := range c.metrics {
			out <- prometheus.MustNewConstMetric(m.description, prometheus.CounterValue, m.supplier(s), t.childID, t.taskNr)
		}
	}
}
