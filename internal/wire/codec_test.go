package wire

import "testing"

func sampleHeader() Header {
	return Header{
		Seq:      7,
		FromAddr: 0x0a000001,
		ToAddr:   0x0a000002,
		FromPort: 1234,
		ToPort:   4321,
		Index:    3,
		Op:       OpRequest,
		RDMA: RDMAAnnex{
			Op:       RDMAOpWrite,
			Addr:     0xdeadbeef,
			PhysAddr: 0xcafef00d,
			Pattern:  0x1122334455667788,
			Key:      99,
			Size:     4096,
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hdr := sampleHeader()
	buf := Encode(&hdr)
	if len(buf) != Size {
		t.Fatalf("Encode produced %d bytes, want %d", len(buf), Size)
	}
	got := Decode(buf)
	if got != hdr {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, hdr)
	}
}

func TestFillCheckRoundTrip(t *testing.T) {
	for _, size := range []uint32{Size, Size + 1, Size + 100, Size + 4096} {
		hdr := sampleHeader()
		buf := make([]byte, size)
		Fill(buf, size, &hdr)

		mismatch, mm := Check(buf, size, &hdr, true)
		if mismatch {
			t.Fatalf("size %d: unexpected mismatch: %s", size, mm)
		}
	}
}

func TestCheckDetectsHeaderMismatch(t *testing.T) {
	hdr := sampleHeader()
	buf := make([]byte, Size)
	Fill(buf, Size, &hdr)

	want := hdr
	want.Seq++
	mismatch, mm := Check(buf, Size, &want, false)
	if !mismatch {
		t.Fatal("expected mismatch on seq change")
	}
	if len(mm.Fields) != 1 {
		t.Fatalf("expected exactly one field diff, got %v", mm.Fields)
	}
}

func TestCheckDetectsPayloadCorruption(t *testing.T) {
	hdr := sampleHeader()
	size := uint32(Size + 64)
	buf := make([]byte, size)
	Fill(buf, size, &hdr)

	buf[Size+10] ^= 0xff
	buf[Size+20] ^= 0xff

	mismatch, mm := Check(buf, size, &hdr, true)
	if !mismatch {
		t.Fatal("expected payload mismatch to be detected")
	}
	if mm.PayloadFirst != 10 {
		t.Fatalf("expected first mismatch offset 10, got %d", mm.PayloadFirst)
	}
	if mm.PayloadCount != 2 {
		t.Fatalf("expected 2 mismatched bytes, got %d", mm.PayloadCount)
	}
}

func TestCheckIgnoresPayloadWhenVerificationDisabled(t *testing.T) {
	hdr := sampleHeader()
	size := uint32(Size + 64)
	buf := make([]byte, size)
	Fill(buf, size, &hdr)
	buf[Size+5] ^= 0xff

	mismatch, _ := Check(buf, size, &hdr, false)
	if mismatch {
		t.Fatal("did not expect mismatch when payload verification disabled")
	}
}

func TestPatternDeterministic(t *testing.T) {
	a := make([]byte, 300)
	b := make([]byte, 300)
	FillPattern(a)
	FillPattern(b)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("pattern not deterministic at offset %d", i)
		}
		if got := PatternByte(i); got != a[i] {
			t.Fatalf("PatternByte(%d)=%d, FillPattern gave %d", i, got, a[i])
		}
	}
}
