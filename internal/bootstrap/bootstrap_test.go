package bootstrap

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/seqstress/internal/connstats"
	"github.com/simeonmiteff/seqstress/internal/options"
)

func TestExchangeActivePassiveRoundTrip(t *testing.T) {
	laddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	l, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err := net.DialTCP("tcp", nil, l.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var passiveConn net.Conn
	select {
	case passiveConn = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept: %v", err)
	}

	active := &options.Options{ReqSize: 1024, AckSize: 32, ReqDepth: 4, NrTasks: 2, RunTime: 10, Verify: true}
	passive := &options.Options{}

	done := make(chan error, 1)
	go func() {
		done <- ExchangeActive(client, active, noopReport)
	}()

	if err := ExchangePassive(passiveConn, passive, noopReport); err != nil {
		t.Fatalf("ExchangePassive: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ExchangeActive: %v", err)
	}

	if passive.ReqSize != active.ReqSize || passive.AckSize != active.AckSize ||
		passive.ReqDepth != active.ReqDepth || passive.NrTasks != active.NrTasks ||
		passive.RunTime != active.RunTime || passive.Verify != active.Verify {
		t.Fatalf("options did not round-trip: got %+v, want fields matching %+v", passive, active)
	}
}

func TestConnectRetriesThenFails(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	log := logrus.NewEntry(logrus.New())
	if _, err := Connect(addr, 1, log); err == nil {
		t.Fatal("expected error connecting to a closed port")
	}
}

func noopReport(c *connstats.Conn, event connstats.Event) {}
