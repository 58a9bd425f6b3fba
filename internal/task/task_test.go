package task

import (
	"net"
	"testing"
	"time"

	"github.com/simeonmiteff/seqstress/internal/rdma"
	"github.com/simeonmiteff/seqstress/internal/transport"
	"github.com/simeonmiteff/seqstress/internal/wire"
)

func TestRequestAckRoundTrip(t *testing.T) {
	bus := transport.NewLoopbackBus()
	activeAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16001}
	passiveAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16002}

	activeSock := transport.NewLoopback(bus, activeAddr)
	passiveSock := transport.NewLoopback(bus, passiveAddr)
	defer activeSock.Close()
	defer passiveSock.Close()

	cfg := Config{ReqDepth: 4, ReqSize: wire.Size + 64, AckSize: wire.Size}
	keys := rdma.NewKeyAllocator()
	active := New(0, cfg, activeAddr, passiveAddr, keys)
	passive := New(0, cfg, passiveAddr, activeAddr, keys)
	engine := rdma.NewSoftwareEngine(false)
	defer engine.Close()

	if err := active.SendOne(activeSock); err != nil {
		t.Fatalf("SendOne: %v", err)
	}

	buf := make([]byte, cfg.ReqSize)
	dg, err := passiveSock.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if _, err := passive.RecvOne(dg.Payload, uint32(len(dg.Payload)), cfg.ReqSize, wire.OpRequest, engine); err != nil {
		t.Fatalf("passive RecvOne: %v", err)
	}

	if err := passive.SendAnything(passiveSock, engine, true); err != nil {
		t.Fatalf("SendAnything: %v", err)
	}

	ackBuf := make([]byte, cfg.AckSize)
	ackDg, err := activeSock.Recv(ackBuf)
	if err != nil {
		t.Fatalf("Recv ack: %v", err)
	}

	res, err := active.RecvOne(ackDg.Payload, uint32(len(ackDg.Payload)), cfg.AckSize, wire.OpAck, engine)
	if err != nil {
		t.Fatalf("active RecvOne: %v", err)
	}
	if !res.IsAck {
		t.Fatal("expected IsAck true")
	}
	if res.RTT < 0 || res.RTT > time.Second {
		t.Fatalf("implausible RTT: %v", res.RTT)
	}
	if active.pending != 0 {
		t.Fatalf("pending = %d, want 0", active.pending)
	}
}

func TestSendAnythingBackpressure(t *testing.T) {
	bus := transport.NewLoopbackBus()
	a := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16011}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16012}
	sock := transport.NewLoopback(bus, a)
	defer sock.Close()

	cfg := Config{ReqDepth: 2, ReqSize: wire.Size, AckSize: wire.Size}
	keys := rdma.NewKeyAllocator()
	tk := New(0, cfg, a, b, keys)
	engine := rdma.NewSoftwareEngine(false)
	defer engine.Close()

	if err := tk.SendAnything(sock, engine, false); err != transport.ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestSendAckOnInFlightSlotSetsDrainRDMAs(t *testing.T) {
	bus := transport.NewLoopbackBus()
	a := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16021}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16022}
	sock := transport.NewLoopback(bus, a)
	defer sock.Close()

	cfg := Config{ReqDepth: 2, ReqSize: wire.Size, AckSize: wire.Size, RDMASize: 64}
	keys := rdma.NewKeyAllocator()
	tk := New(0, cfg, a, b, keys)
	engine := rdma.NewSoftwareEngine(false)
	defer engine.Close()

	tk.ackHeader[0].RDMA.Op = wire.RDMAOpWrite
	tk.rdmaInFlight[0] = true

	if err := tk.SendAck(sock, 0, engine); err != transport.ErrWouldBlock {
		t.Fatalf("SendAck: expected ErrWouldBlock, got %v", err)
	}
	if !tk.DrainRDMAs() {
		t.Fatal("expected DrainRDMAs() true after attaching to a still in-flight slot")
	}

	tk.MarkRDMACompleted(0)
	if tk.DrainRDMAs() {
		t.Fatal("expected DrainRDMAs() false after MarkRDMACompleted")
	}
}

func TestRDMAWriteRoundTripVerifiesPattern(t *testing.T) {
	bus := transport.NewLoopbackBus()
	activeAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16031}
	passiveAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 16032}

	activeSock := transport.NewLoopback(bus, activeAddr)
	passiveSock := transport.NewLoopback(bus, passiveAddr)
	defer activeSock.Close()
	defer passiveSock.Close()

	cfg := Config{ReqDepth: 4, ReqSize: wire.Size + 64, AckSize: wire.Size, RDMASize: 64, Verify: true}
	keys := rdma.NewKeyAllocator()
	active := New(0, cfg, activeAddr, passiveAddr, keys)
	passive := New(1, cfg, passiveAddr, activeAddr, keys)
	engine := rdma.NewSoftwareEngine(true)
	defer engine.Close()

	active.sendSeq = rdmaWarmup + 1
	active.rdmaNextOp = wire.RDMAOpRead // toggles to WRITE on the next SendOne

	if err := active.SendOne(activeSock); err != nil {
		t.Fatalf("SendOne: %v", err)
	}

	buf := make([]byte, cfg.ReqSize)
	dg, err := passiveSock.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, err := passive.RecvOne(dg.Payload, uint32(len(dg.Payload)), cfg.ReqSize, wire.OpRequest, engine); err != nil {
		t.Fatalf("passive RecvOne: %v", err)
	}

	if err := passive.SendAnything(passiveSock, engine, true); err != nil {
		t.Fatalf("SendAnything: %v", err)
	}
	if comp := <-engine.Completions(); comp.Status != rdma.StatusOK {
		t.Fatalf("completion status = %v, want ok", comp.Status)
	}

	ackBuf := make([]byte, cfg.AckSize)
	ackDg, err := activeSock.Recv(ackBuf)
	if err != nil {
		t.Fatalf("Recv ack: %v", err)
	}

	res, err := active.RecvOne(ackDg.Payload, uint32(len(ackDg.Payload)), cfg.AckSize, wire.OpAck, engine)
	if err != nil {
		t.Fatalf("active RecvOne: %v", err)
	}
	if !res.RDMAAck {
		t.Fatal("expected RDMAAck true")
	}
	if active.Stats.Corrupt.Nr != 0 {
		t.Fatalf("Corrupt.Nr = %d, want 0 for an uncorrupted round trip", active.Stats.Corrupt.Nr)
	}
	if active.Stats.RDMARead.Sum != uint64(cfg.RDMASize) {
		t.Fatalf("RDMARead.Sum = %d, want %d", active.Stats.RDMARead.Sum, cfg.RDMASize)
	}
}
