package promexport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/simeonmiteff/seqstress/internal/stats"
)

func TestCollectorReportsRegisteredTasks(t *testing.T) {
	c := NewCollector("seqstress", nil)

	var s stats.Set
	s.Pkts.Inc(5)
	s.Bytes.Inc(4096)

	c.Add("child0", "0", func() stats.Set { return s })

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "seqstress_pkts_total" {
			found = true
			if len(f.Metric) != 1 {
				t.Fatalf("expected 1 metric, got %d", len(f.Metric))
			}
			if got := f.Metric[0].GetCounter().GetValue(); got != 5 {
				t.Fatalf("pkts_total = %v, want 5", got)
			}
		}
	}
	if !found {
		t.Fatal("seqstress_pkts_total family not found")
	}

	c.Remove("child0", "0")
	families, err = reg.Gather()
	if err != nil {
		t.Fatalf("Gather after remove: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "seqstress_pkts_total" && len(f.Metric) != 0 {
			t.Fatalf("expected no metrics after Remove, got %d", len(f.Metric))
		}
	}
}
