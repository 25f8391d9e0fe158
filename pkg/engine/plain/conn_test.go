// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

var (
	clientAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	serverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, clk *testClock, modify func(*Config)) *Engine {
	cfg := DefaultConfig()
	cfg.Now = clk.Now
	if modify != nil {
		modify(&cfg)
	}

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// transfer moves all pending datagrams from one connection to another and
// returns their number.
func transfer(t *testing.T, from, to engine.Conn) (n int) {
	buf := make([]byte, 1500)
	for {
		l, _, err := from.Send(buf)
		if errors.Is(err, engine.ErrDone) {
			return
		} else if err != nil {
			t.Fatal(err)
		}

		if _, err := to.Recv(buf[:l], engine.RecvInfo{From: clientAddr}); err != nil {
			t.Fatal(err)
		}
		n++
	}
}

// admit mimics a server front end: it answers the client's first Initial
// until a connection can be accepted.
func admit(t *testing.T, srv *Engine, client engine.Conn, retry bool) engine.Conn {
	buf := make([]byte, 1500)
	out := make([]byte, 1500)

	for i := 0; i < 3; i++ {
		l, _, err := client.Send(buf)
		if err != nil {
			t.Fatal(err)
		}

		hdr, err := srv.ParseHeader(buf[:l], 16)
		if err != nil {
			t.Fatal(err)
		}

		switch {
		case !srv.VersionSupported(hdr.Version):
			n, err := srv.NegotiateVersion(hdr.SrcConnID, hdr.DstConnID, out)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := client.Recv(out[:n], engine.RecvInfo{From: serverAddr}); err != nil {
				t.Fatal(err)
			}

		case retry && len(hdr.Token) == 0:
			token := append([]byte("token"), hdr.DstConnID...)
			n, err := srv.Retry(hdr.SrcConnID, hdr.DstConnID, connID(2), token, hdr.Version, out)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := client.Recv(out[:n], engine.RecvInfo{From: serverAddr}); err != nil {
				t.Fatal(err)
			}

		default:
			var odcid engine.ConnectionID
			if retry {
				odcid = engine.ConnectionID(hdr.Token[len("token"):])
			}
			server, err := srv.Accept(hdr.DstConnID, odcid, clientAddr)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := server.Recv(buf[:l], engine.RecvInfo{From: clientAddr}); err != nil {
				t.Fatal(err)
			}
			return server
		}
	}

	t.Fatal("connection was never accepted")
	return nil
}

func handshake(t *testing.T, clk *testClock, clientCfg func(*Config), retry bool) (client, server *Conn) {
	srv := newTestEngine(t, clk, nil)
	cli := newTestEngine(t, clk, clientCfg)

	c, err := cli.Connect("localhost", connID(1), serverAddr)
	if err != nil {
		t.Fatal(err)
	}

	s := admit(t, srv, c, retry)

	for i := 0; i < 3; i++ {
		transfer(t, s, c)
		transfer(t, c, s)
	}

	client, server = c.(*Conn), s.(*Conn)
	if !client.IsEstablished() || !server.IsEstablished() {
		t.Fatalf("handshake did not complete: client %t, server %t", client.IsEstablished(), server.IsEstablished())
	}
	if !client.finishedAcked {
		t.Fatal("client did not switch to short headers")
	}
	return
}

func TestClientInitialPadding(t *testing.T) {
	clk := newTestClock()
	cli := newTestEngine(t, clk, nil)

	c, err := cli.Connect("localhost", connID(1), serverAddr)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	n, info, err := c.Send(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n < minInitialSize {
		t.Fatalf("initial of %d bytes is not padded", n)
	}
	if info.To != serverAddr {
		t.Fatalf("datagram addressed to %v", info.To)
	}

	hdr, err := cli.ParseHeader(buf[:n], 16)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != engine.PacketInitial || len(hdr.Token) != 0 || !bytes.Equal(hdr.SrcConnID, connID(1)) {
		t.Fatalf("unexpected initial header %+v", hdr)
	}

	if _, _, err := c.Send(buf); !errors.Is(err, engine.ErrDone) {
		t.Fatalf("expected ErrDone, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	clk := newTestClock()
	handshake(t, clk, nil, false)
}

func TestHandshakeRetry(t *testing.T) {
	clk := newTestClock()
	client, server := handshake(t, clk, nil, true)

	if !bytes.Equal(client.retrySCID, connID(2)) || !bytes.Equal(server.retrySCID, connID(2)) {
		t.Fatalf("retry source connection IDs differ: %v %v", client.retrySCID, server.retrySCID)
	}
	if !bytes.Equal(client.odcid, server.odcid) {
		t.Fatalf("original destination connection IDs differ: %v %v", client.odcid, server.odcid)
	}
}

func TestHandshakeVersionNegotiation(t *testing.T) {
	clk := newTestClock()
	client, _ := handshake(t, clk, func(cfg *Config) { cfg.Version = GreaseVersion }, true)

	if client.version != quic.Version1 {
		t.Fatalf("expected negotiated version %v, got %v", quic.Version1, client.version)
	}
}

func TestHandshakeRetrySCIDMismatch(t *testing.T) {
	clk := newTestClock()
	srv := newTestEngine(t, clk, nil)
	cli := newTestEngine(t, clk, nil)

	c, err := cli.Connect("localhost", connID(1), serverAddr)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	l, _, err := c.Send(buf)
	if err != nil {
		t.Fatal(err)
	}
	hdr, _ := srv.ParseHeader(buf[:l], 16)

	// Claiming a retry which never happened.
	s, err := srv.Accept(connID(2), hdr.DstConnID, clientAddr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Recv(buf[:l], engine.RecvInfo{From: clientAddr}); err != nil {
		t.Fatal(err)
	}

	l, _, err = s.Send(buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Recv(buf[:l], engine.RecvInfo{From: serverAddr}); err == nil {
		t.Fatal("mismatching retry source connection ID was accepted")
	}

	transfer(t, c, s)
	if !c.IsClosed() || !s.IsClosed() {
		t.Fatalf("connections not closed: client %t, server %t", c.IsClosed(), s.IsClosed())
	}
}

func TestBlockTransfer(t *testing.T) {
	clk := newTestClock()
	client, server := handshake(t, clk, nil, true)

	payloads := map[uint64][]byte{
		5: bytes.Repeat([]byte{'a'}, 1000),
		9: bytes.Repeat([]byte{'b'}, 5000),
	}
	blocks := map[uint64]engine.Block{
		5: {Size: 1000, Priority: 1, Deadline: 50},
		9: {Size: 5000, Priority: 2, Deadline: 200},
	}

	for _, id := range []uint64{5, 9} {
		if n, err := server.BlockSend(id, payloads[id], true, blocks[id]); err != nil {
			t.Fatal(err)
		} else if n != len(payloads[id]) {
			t.Fatalf("short send of %d bytes", n)
		}
	}

	clk.advance(10 * time.Millisecond)
	if n := transfer(t, server, client); n < 5 {
		t.Fatalf("expected at least five datagrams, got %d", n)
	}

	readable := client.Readable()
	if len(readable) != 2 || readable[0] != 5 || readable[1] != 9 {
		t.Fatalf("unexpected readable streams %v", readable)
	}

	for _, id := range readable {
		var received []byte
		buf := make([]byte, 700)
		for {
			n, fin, err := client.StreamRecv(id, buf)
			if err != nil {
				t.Fatal(err)
			}
			received = append(received, buf[:n]...)
			if fin {
				break
			}
		}

		if !bytes.Equal(received, payloads[id]) {
			t.Fatalf("stream %d: received %d bytes, expected %d", id, len(received), len(payloads[id]))
		}

		if blk, ok := client.BlockInfo(id); !ok || blk != blocks[id] {
			t.Fatalf("stream %d: unexpected block info %v %t", id, blk, ok)
		}
		if bct := client.BlockCompletionTime(id); bct != 10*time.Millisecond {
			t.Fatalf("stream %d: expected completion time of 10ms, got %v", id, bct)
		}

		if _, _, err := client.StreamRecv(id, buf); !errors.Is(err, engine.ErrDone) {
			t.Fatalf("stream %d: expected ErrDone after fin, got %v", id, err)
		}
	}

	if len(client.Readable()) != 0 {
		t.Fatal("streams are still readable")
	}
}

func TestStreamSendLimits(t *testing.T) {
	clk := newTestClock()
	_, server := handshake(t, clk, func(cfg *Config) {
		cfg.InitialMaxStreamData = 100
		cfg.InitialMaxStreams = 2
	}, false)

	if n, err := server.StreamSend(5, make([]byte, 150), true); err != nil || n != 100 {
		t.Fatalf("expected short send of 100 bytes, got %d %v", n, err)
	}
	if server.sendStreams.get(5).fin {
		t.Fatal("fin set after a short send")
	}
	if _, err := server.StreamSend(5, []byte{1}, true); !errors.Is(err, engine.ErrDone) {
		t.Fatalf("expected ErrDone on full stream, got %v", err)
	}

	if _, err := server.StreamSend(9, []byte{1}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := server.StreamSend(9, []byte{1}, true); !errors.Is(err, ErrStreamFinished) {
		t.Fatalf("expected ErrStreamFinished, got %v", err)
	}
	if _, err := server.StreamSend(13, []byte{1}, true); !errors.Is(err, ErrStreamLimit) {
		t.Fatalf("expected ErrStreamLimit, got %v", err)
	}
}

func TestSendOrder(t *testing.T) {
	clk := newTestClock()
	_, server := handshake(t, clk, nil, false)

	sends := []struct {
		id       uint64
		priority uint64
		deadline uint64
	}{
		{5, 2, 10},
		{9, 1, 500},
		{13, 1, 100},
		{17, 1, 100},
	}
	for _, s := range sends {
		if _, err := server.BlockSend(s.id, make([]byte, 10), true, engine.Block{Size: 10, Priority: s.priority, Deadline: s.deadline}); err != nil {
			t.Fatal(err)
		}
	}

	var ids []uint64
	for _, s := range server.sendStreams.ordered() {
		ids = append(ids, s.id)
	}

	expected := []uint64{13, 17, 9, 5}
	for i := range expected {
		if ids[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, ids)
		}
	}
}

func TestLossRecovery(t *testing.T) {
	clk := newTestClock()
	client, server := handshake(t, clk, nil, true)

	if _, err := server.BlockSend(5, make([]byte, 1000), true, engine.Block{Size: 1000, Priority: 1, Deadline: 50}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	if _, _, err := server.Send(buf); err != nil {
		t.Fatal(err)
	}
	// The datagram is lost.

	if to := server.Timeout(); to <= 0 || to > time.Second {
		t.Fatalf("unexpected timeout %v", to)
	}

	clk.advance(time.Second)
	server.OnTimeout()

	if transfer(t, server, client) == 0 {
		t.Fatal("nothing was retransmitted")
	}
	if server.Stats().Lost == 0 {
		t.Fatal("loss was not counted")
	}

	n, fin, err := client.StreamRecv(5, buf)
	if err != nil || n != 1000 || !fin {
		t.Fatalf("unexpected receive: %d %t %v", n, fin, err)
	}
}

func TestIdleTimeout(t *testing.T) {
	clk := newTestClock()
	client, server := handshake(t, clk, func(cfg *Config) { cfg.IdleTimeout = time.Second }, false)

	if to := server.Timeout(); to != time.Second {
		t.Fatalf("expected negotiated idle timeout of 1s, got %v", to)
	}

	clk.advance(2 * time.Second)
	for _, c := range []*Conn{client, server} {
		if to := c.Timeout(); to != time.Nanosecond {
			t.Fatalf("expected expired timeout, got %v", to)
		}
		c.OnTimeout()
		if !c.IsClosed() {
			t.Fatal("connection not closed after idle timeout")
		}
		if c.Timeout() != 0 {
			t.Fatal("closed connection reports a timeout")
		}
	}
}

func TestClose(t *testing.T) {
	clk := newTestClock()
	client, server := handshake(t, clk, nil, false)

	if err := client.Close(0, "done"); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(0, "done"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	transfer(t, client, server)

	if !client.IsClosed() || !server.IsClosed() {
		t.Fatalf("connections not closed: client %t, server %t", client.IsClosed(), server.IsClosed())
	}

	var te *TransportError
	if !errors.As(server.Err(), &te) || !te.Remote || te.Code != ApplicationError || te.Reason != "done" {
		t.Fatalf("unexpected close reason %v", server.Err())
	}
}

func TestConfigCheckValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.CheckValid(); err != nil {
		t.Fatal(err)
	}

	cfg.MaxDatagramSize = 500
	cfg.CongestionControl = "cubic"
	cfg.InitialMaxStreams = 0
	if _, err := NewEngine(cfg); err == nil {
		t.Fatal("invalid configuration was accepted")
	}
}
