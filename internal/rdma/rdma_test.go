package rdma

import (
	"testing"

	"github.com/simeonmiteff/seqstress/internal/wire"
)

func TestTokenRoundTrip(t *testing.T) {
	const reqDepth = 8
	tok := Token(3, 5, reqDepth)
	taskNr, qindex := SplitToken(tok, reqDepth)
	if taskNr != 3 || qindex != 5 {
		t.Fatalf("SplitToken(%d) = (%d,%d), want (3,5)", tok, taskNr, qindex)
	}
}

func TestBuildRequestTogglesOp(t *testing.T) {
	var hdr wire.Header
	op := BuildRequest(&hdr, wire.RDMAOpRead, 42, 4096, 0xabc, 0x1000)
	if op != wire.RDMAOpWrite {
		t.Fatalf("expected toggle to WRITE, got %s", op)
	}
	if hdr.RDMA.Key != 42 || hdr.RDMA.Size != 4096 {
		t.Fatalf("unexpected annex: %+v", hdr.RDMA)
	}
}

func TestValidateRejectsWrongSize(t *testing.T) {
	annex := wire.RDMAAnnex{Op: wire.RDMAOpRead, Size: 100}
	if err := Validate(annex, 200); err == nil {
		t.Fatal("expected error for mismatched size")
	}
	if err := Validate(annex, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSoftwareEngineWriteThenRead(t *testing.T) {
	eng := NewSoftwareEngine(true)
	defer eng.Close()

	remote := make([]byte, 64)
	eng.Register(7, remote)

	local := make([]byte, 64)
	annex := wire.RDMAAnnex{Op: wire.RDMAOpWrite, Key: 7, Size: 64, Pattern: 0x1122334455667788}
	if err := eng.Submit(Token(0, 0, 4), annex, local); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c := <-eng.Completions()
	if c.Status != StatusOK {
		t.Fatalf("status = %v, want OK", c.Status)
	}
	if !PatternMatches(remote, annex.Pattern) {
		t.Fatal("remote buffer does not match expected pattern after write")
	}

	local2 := make([]byte, 64)
	readAnnex := wire.RDMAAnnex{Op: wire.RDMAOpRead, Key: 7, Size: 64}
	if err := eng.Submit(Token(0, 1, 4), readAnnex, local2); err != nil {
		t.Fatalf("Submit read: %v", err)
	}
	c2 := <-eng.Completions()
	if c2.Status != StatusOK {
		t.Fatalf("status = %v, want OK", c2.Status)
	}
	if !PatternMatches(local2, annex.Pattern) {
		t.Fatal("local buffer did not pick up remote pattern after read")
	}
}

func TestSoftwareEngineUnknownKey(t *testing.T) {
	eng := NewSoftwareEngine(false)
	defer eng.Close()

	local := make([]byte, 16)
	annex := wire.RDMAAnnex{Op: wire.RDMAOpWrite, Key: 999, Size: 16}
	if err := eng.Submit(Token(0, 0, 4), annex, local); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c := <-eng.Completions()
	if c.Status != StatusRemoteError {
		t.Fatalf("status = %v, want StatusRemoteError", c.Status)
	}
}
