package stats

import "testing"

func TestCounterIncMinIgnoresZero(t *testing.T) {
	var c Counter
	c.Inc(0)
	c.Inc(5)
	c.Inc(2)
	c.Inc(0)
	if c.Min != 2 {
		t.Fatalf("Min = %d, want 2", c.Min)
	}
	if c.Max != 5 {
		t.Fatalf("Max = %d, want 5", c.Max)
	}
	if c.Nr != 4 {
		t.Fatalf("Nr = %d, want 4", c.Nr)
	}
	if c.Sum != 7 {
		t.Fatalf("Sum = %d, want 7", c.Sum)
	}
}

func TestSnapshotAccumulateTotalEquivalence(t *testing.T) {
	var running, last Counter
	var parts []Counter

	vals := [][]uint64{
		{1, 2, 3},
		{4, 5},
		{},
		{6, 7, 8, 9},
	}

	for _, window := range vals {
		for _, v := range window {
			running.Inc(v)
		}
		parts = append(parts, Snapshot(&running, &last))
	}

	total := Total(parts)
	if total.Nr != running.Nr {
		t.Fatalf("Total.Nr = %d, want %d", total.Nr, running.Nr)
	}
	if total.Sum != running.Sum {
		t.Fatalf("Total.Sum = %d, want %d", total.Sum, running.Sum)
	}
	if total.Max != running.Max {
		t.Fatalf("Total.Max = %d, want %d", total.Max, running.Max)
	}
}

func TestAccumulateCombinesTwoSets(t *testing.T) {
	var a, b Counter
	a.Inc(10)
	a.Inc(20)
	b.Inc(5)
	b.Inc(30)

	Accumulate(&a, b)
	if a.Nr != 4 {
		t.Fatalf("Nr = %d, want 4", a.Nr)
	}
	if a.Sum != 65 {
		t.Fatalf("Sum = %d, want 65", a.Sum)
	}
	if a.Max != 30 {
		t.Fatalf("Max = %d, want 30", a.Max)
	}
	if a.Min != 5 {
		t.Fatalf("Min = %d, want 5", a.Min)
	}
}
