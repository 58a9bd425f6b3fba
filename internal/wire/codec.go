package wire

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Fill writes hdr into buf followed by size-Size bytes of deterministic
// pattern. buf must be at least size bytes long and size must be >= Size.
func Fill(buf []byte, size uint32, hdr *Header) {
	putHeader(buf, hdr)
	if int(size) > Size {
		FillPattern(buf[Size:size])
	}
}

// Encode marshals hdr into a fresh Size-byte buffer; a convenience wrapper
// around putHeader for callers that only need the header bytes.
func Encode(hdr *Header) []byte {
	buf := make([]byte, Size)
	putHeader(buf, hdr)
	return buf
}

func putHeader(buf []byte, hdr *Header) {
	binary.BigEndian.PutUint32(buf[0:4], hdr.Seq)
	binary.BigEndian.PutUint32(buf[4:8], hdr.FromAddr)
	binary.BigEndian.PutUint32(buf[8:12], hdr.ToAddr)
	binary.BigEndian.PutUint16(buf[12:14], hdr.FromPort)
	binary.BigEndian.PutUint16(buf[14:16], hdr.ToPort)
	binary.BigEndian.PutUint16(buf[16:18], hdr.Index)
	buf[18] = byte(hdr.Op)

	buf[19] = byte(hdr.RDMA.Op)
	binary.BigEndian.PutUint64(buf[20:28], hdr.RDMA.Addr)
	binary.BigEndian.PutUint64(buf[28:36], hdr.RDMA.PhysAddr)
	binary.BigEndian.PutUint64(buf[36:44], hdr.RDMA.Pattern)
	binary.BigEndian.PutUint64(buf[44:52], hdr.RDMA.Key)
	binary.BigEndian.PutUint32(buf[52:56], hdr.RDMA.Size)
}

// Decode unmarshals a Header (including the RDMA annex) from the front of
// buf. buf must be at least Size bytes long.
func Decode(buf []byte) Header {
	var hdr Header
	hdr.Seq = binary.BigEndian.Uint32(buf[0:4])
	hdr.FromAddr = binary.BigEndian.Uint32(buf[4:8])
	hdr.ToAddr = binary.BigEndian.Uint32(buf[8:12])
	hdr.FromPort = binary.BigEndian.Uint16(buf[12:14])
	hdr.ToPort = binary.BigEndian.Uint16(buf[14:16])
	hdr.Index = binary.BigEndian.Uint16(buf[16:18])
	hdr.Op = Op(buf[18])

	hdr.RDMA.Op = RDMAOp(buf[19])
	hdr.RDMA.Addr = binary.BigEndian.Uint64(buf[20:28])
	hdr.RDMA.PhysAddr = binary.BigEndian.Uint64(buf[28:36])
	hdr.RDMA.Pattern = binary.BigEndian.Uint64(buf[36:44])
	hdr.RDMA.Key = binary.BigEndian.Uint64(buf[44:52])
	hdr.RDMA.Size = binary.BigEndian.Uint32(buf[52:56])
	return hdr
}

// Mismatch describes why Check rejected a datagram.
type Mismatch struct {
	Fields       []string // names of verification-prefix fields that differ
	PayloadFirst int       // byte offset of first payload mismatch, -1 if none
	PayloadCount int       // total count of mismatched payload bytes
}

func (m Mismatch) String() string {
	if len(m.Fields) == 0 && m.PayloadCount == 0 {
		return "no mismatch"
	}
	var b strings.Builder
	if len(m.Fields) > 0 {
		fmt.Fprintf(&b, "header fields differ: %s", strings.Join(m.Fields, ", "))
	}
	if m.PayloadCount > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "payload differs at offset %d (%d bytes total)", m.PayloadFirst, m.PayloadCount)
	}
	return b.String()
}

// Check compares buf (a received datagram of length size) against the
// expected header hdr. It always verifies the BasicSize prefix (seq,
// from_addr, to_addr, from_port, to_port, index, op); when verifyPayload is
// true it also compares the trailing payload against the deterministic
// pattern. It returns (true, mismatch) when a mismatch was found.
func Check(buf []byte, size uint32, hdr *Header, verifyPayload bool) (bool, Mismatch) {
	var mm Mismatch
	mm.PayloadFirst = -1

	got := Decode(buf[:min(int(size), len(buf))])

	if got.Seq != hdr.Seq {
		mm.Fields = append(mm.Fields, fmt.Sprintf("seq(got=%d,want=%d)", got.Seq, hdr.Seq))
	}
	if got.FromAddr != hdr.FromAddr {
		mm.Fields = append(mm.Fields, fmt.Sprintf("from_addr(got=%d,want=%d)", got.FromAddr, hdr.FromAddr))
	}
	if got.ToAddr != hdr.ToAddr {
		mm.Fields = append(mm.Fields, fmt.Sprintf("to_addr(got=%d,want=%d)", got.ToAddr, hdr.ToAddr))
	}
	if got.FromPort != hdr.FromPort {
		mm.Fields = append(mm.Fields, fmt.Sprintf("from_port(got=%d,want=%d)", got.FromPort, hdr.FromPort))
	}
	if got.ToPort != hdr.ToPort {
		mm.Fields = append(mm.Fields, fmt.Sprintf("to_port(got=%d,want=%d)", got.ToPort, hdr.ToPort))
	}
	if got.Index != hdr.Index {
		mm.Fields = append(mm.Fields, fmt.Sprintf("index(got=%d,want=%d)", got.Index, hdr.Index))
	}
	if got.Op != hdr.Op {
		mm.Fields = append(mm.Fields, fmt.Sprintf("op(got=%s,want=%s)", got.Op, hdr.Op))
	}

	if verifyPayload && int(size) > Size {
		k := uint64(11)
		for i := 0; i+Size < int(size); i++ {
			want := byte(k)
			got := buf[Size+i]
			if got != want {
				if mm.PayloadFirst == -1 {
					mm.PayloadFirst = i
				}
				mm.PayloadCount++
			}
			k = 41*(k+3) + uint64(i>>8)
		}
	}

	mismatch := len(mm.Fields) > 0 || mm.PayloadCount > 0
	return mismatch, mm
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
