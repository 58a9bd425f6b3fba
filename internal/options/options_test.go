package options

import "testing"

func TestParseRequiresPortAndReceiveAddr(t *testing.T) {
	if _, err := Parse([]string{}); err == nil {
		t.Fatal("expected error with no flags")
	}
	if _, err := Parse([]string{"-p", "4000"}); err == nil {
		t.Fatal("expected error with no -r")
	}
}

func TestParseActiveWhenSendAddrGiven(t *testing.T) {
	o, err := Parse([]string{"-p", "4000", "-r", "127.0.0.1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Active {
		t.Fatal("expected passive role with no -s")
	}

	o2, err := Parse([]string{"-p", "4000", "-r", "127.0.0.1", "-s", "127.0.0.2"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !o2.Active {
		t.Fatal("expected active role with -s given")
	}
}

func TestWireRoundTrip(t *testing.T) {
	o := &Options{
		AckSize:        64,
		ReqSize:        4096,
		ReqDepth:       8,
		NrTasks:        4,
		RunTime:        30,
		RDMASize:       4096,
		Verify:         true,
		UseCongMonitor: true,
	}
	buf := o.MarshalWire()
	if len(buf) != WireSize {
		t.Fatalf("MarshalWire produced %d bytes, want %d", len(buf), WireSize)
	}

	var got Options
	if err := got.UnmarshalWire(buf); err != nil {
		t.Fatalf("UnmarshalWire: %v", err)
	}
	if got.AckSize != o.AckSize || got.ReqSize != o.ReqSize || got.ReqDepth != o.ReqDepth ||
		got.NrTasks != o.NrTasks || got.RunTime != o.RunTime || got.RDMASize != o.RDMASize ||
		got.Verify != o.Verify || got.UseCongMonitor != o.UseCongMonitor {
		t.Fatalf("round trip mismatch: got %+v, want fields from %+v", got, o)
	}
}

func TestAckSizeTooSmallRejected(t *testing.T) {
	if _, err := Parse([]string{"-p", "4000", "-r", "127.0.0.1", "-a", "2"}); err == nil {
		t.Fatal("expected error for ack size below minimum")
	}
}
