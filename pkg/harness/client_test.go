// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

func newTestClient(t *testing.T) (*Client, *fakeConn, *fakeSocket, *collectingSink) {
	socket := newFakeSocket()
	eng := &fakeEngine{}
	sink := &collectingSink{}

	c, err := NewClient(ClientConfig{
		Socket: socket,
		Engine: eng,
		Peer:   serverAddr,
		Sink:   sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(eng.connected) != 1 {
		t.Fatalf("expected one connection, got %d", len(eng.connected))
	}

	return c, eng.connected[0], socket, sink
}

func TestClientBlocks(t *testing.T) {
	c, conn, socket, sink := newTestClient(t)

	c.summary.Start = time.Now()
	c.pump.Flush(c.rec)

	if len(socket.written) != 1 {
		t.Fatalf("expected the initial datagram, got %d", len(socket.written))
	}
	if to := socket.written[0].to.String(); to != serverAddr.String() {
		t.Fatalf("initial datagram sent to %s", to)
	}

	conn.incoming = map[uint64][]byte{
		5: bytes.Repeat([]byte("a"), 1000),
		9: bytes.Repeat([]byte("b"), 300),
	}
	conn.chunk = 256
	conn.blockInfo = map[uint64]engine.Block{
		5: {Size: 1000, Priority: 1, Deadline: 50},
	}

	socket.push([]byte("datagram"), serverAddr)
	socket.push([]byte("datagram"), serverAddr)
	c.onReadable()

	if conn.recvd != 2 {
		t.Fatalf("engine received %d datagrams", conn.recvd)
	}

	sum := c.Summary()
	if sum.Blocks != 2 || sum.PayloadBytes != 1300 || sum.UDPBytes != 16 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(c.received) != 0 {
		t.Fatalf("partial blocks left: %v", c.received)
	}

	if len(sink.blocks) != 2 {
		t.Fatalf("expected two block records, got %d", len(sink.blocks))
	}

	first, second := sink.blocks[0], sink.blocks[1]
	if first.ID != 5 || first.Size != 1000 || first.Priority != 1 || first.Deadline != 50 {
		t.Fatalf("unexpected first block %v", first)
	}
	if first.BCT != 10*time.Millisecond {
		t.Fatalf("unexpected completion time %v", first.BCT)
	}
	if first.Connection != c.rec.ID.String() {
		t.Fatalf("block of connection %s", first.Connection)
	}

	// Plain streams have no metadata; the received length is used instead.
	if second.ID != 9 || second.Size != 300 || second.Priority != 0 || second.Deadline != 0 {
		t.Fatalf("unexpected second block %v", second)
	}

	if len(sink.connections) != 0 || c.registry.Len() != 1 {
		t.Fatal("open connection was retired")
	}

	conn.closed = true
	socket.push([]byte("datagram"), serverAddr)
	c.onReadable()

	if len(sink.connections) != 1 {
		t.Fatalf("expected one connection record, got %d", len(sink.connections))
	}
	cr := sink.connections[0]
	if cr.Role != "client" || cr.Blocks != 2 || cr.PayloadBytes != 1300 || cr.UDPBytes != 24 {
		t.Fatalf("unexpected connection record %+v", cr)
	}
	if c.registry.Len() != 0 {
		t.Fatal("closed connection is still registered")
	}
	if c.Summary().End.IsZero() {
		t.Fatal("summary has no end")
	}

	// finish breaks the loop, so Run returns at once.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.loop.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestClientIdleTimeout(t *testing.T) {
	c, conn, _, sink := newTestClient(t)

	c.onIdle(c.rec)

	if conn.timeouts != 1 {
		t.Fatalf("engine was notified %d times", conn.timeouts)
	}
	if len(sink.connections) != 1 || c.registry.Len() != 0 {
		t.Fatal("timed out connection was not retired")
	}

	// A second expiry must not write another record.
	c.onPace(c.rec)
	if len(sink.connections) != 1 {
		t.Fatalf("expected one connection record, got %d", len(sink.connections))
	}
}

func TestClientIdleTimeoutSendsClose(t *testing.T) {
	c, conn, socket, sink := newTestClient(t)
	conn.closeDatagram = []byte("close")

	c.onIdle(c.rec)

	if l := len(socket.written); l == 0 || string(socket.written[l-1].data) != "close" {
		t.Fatalf("closing datagram was not sent: %v", socket.written)
	}
	if len(sink.connections) != 1 {
		t.Fatal("timed out connection was not retired")
	}
}
