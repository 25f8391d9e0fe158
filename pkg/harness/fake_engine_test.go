// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"errors"
	"net"
	"sort"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/dtptest-go/pkg/engine"
	"github.com/dtn7/dtptest-go/pkg/trace"
)

type sentBlock struct {
	id      uint64
	size    int
	fin     bool
	block   engine.Block
	isBlock bool
	at      time.Time
}

// fakeConn is an engine.Conn with a scripted outgoing queue.
type fakeConn struct {
	pending  [][]byte
	diffServ uint8
	timeout  time.Duration

	established bool
	closed      bool

	// closeDatagram is queued by OnTimeout if set.
	closeDatagram []byte

	blocks    []sentBlock
	sendCalls int
	timeouts  int
	recvd     int

	// incoming stream data is read in chunks of at most chunk bytes; the
	// last chunk carries fin.
	incoming  map[uint64][]byte
	chunk     int
	blockInfo map[uint64]engine.Block
}

func (fc *fakeConn) Recv(b []byte, _ engine.RecvInfo) (int, error) {
	fc.recvd++
	return len(b), nil
}

func (fc *fakeConn) Send(out []byte) (int, engine.SendInfo, error) {
	fc.sendCalls++
	if len(fc.pending) == 0 {
		return 0, engine.SendInfo{}, engine.ErrDone
	}

	n := copy(out, fc.pending[0])
	fc.pending = fc.pending[1:]
	return n, engine.SendInfo{DiffServ: fc.diffServ}, nil
}

func (fc *fakeConn) Timeout() time.Duration { return fc.timeout }

func (fc *fakeConn) OnTimeout() {
	fc.timeouts++
	fc.closed = true
	if fc.closeDatagram != nil {
		fc.pending = append(fc.pending, fc.closeDatagram)
	}
}

func (fc *fakeConn) IsEstablished() bool { return fc.established }
func (fc *fakeConn) IsClosed() bool      { return fc.closed }

func (fc *fakeConn) StreamSend(id uint64, b []byte, fin bool) (int, error) {
	fc.blocks = append(fc.blocks, sentBlock{id: id, size: len(b), fin: fin, at: time.Now()})
	return len(b), nil
}

func (fc *fakeConn) BlockSend(id uint64, b []byte, fin bool, block engine.Block) (int, error) {
	fc.blocks = append(fc.blocks, sentBlock{
		id: id, size: len(b), fin: fin, block: block, isBlock: true, at: time.Now(),
	})
	return len(b), nil
}

func (fc *fakeConn) Readable() []uint64 {
	ids := make([]uint64, 0, len(fc.incoming))
	for id := range fc.incoming {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (fc *fakeConn) StreamRecv(id uint64, b []byte) (int, bool, error) {
	data, ok := fc.incoming[id]
	if !ok {
		return 0, false, engine.ErrDone
	}

	l := len(b)
	if fc.chunk > 0 && fc.chunk < l {
		l = fc.chunk
	}
	n := copy(b[:l], data)
	fc.incoming[id] = data[n:]

	if len(fc.incoming[id]) == 0 {
		delete(fc.incoming, id)
		return n, true, nil
	}
	return n, false, nil
}

func (fc *fakeConn) BlockInfo(id uint64) (engine.Block, bool) {
	block, ok := fc.blockInfo[id]
	return block, ok
}

func (fc *fakeConn) BlockCompletionTime(uint64) time.Duration { return 10 * time.Millisecond }

func (fc *fakeConn) Stats() engine.Stats { return engine.Stats{Recv: fc.recvd} }

func (fc *fakeConn) Close(uint64, string) error {
	fc.closed = true
	return nil
}

// fakeEngine hands out fakeConns.
type fakeEngine struct {
	accepted  []*fakeConn
	connected []*fakeConn
	reject    bool
}

func (fe *fakeEngine) ParseHeader([]byte, int) (engine.Header, error) {
	return engine.Header{}, errors.New("not implemented")
}

func (fe *fakeEngine) VersionSupported(quic.Version) bool { return true }

func (fe *fakeEngine) NegotiateVersion(_, _ engine.ConnectionID, _ []byte) (int, error) {
	return 0, errors.New("not implemented")
}

func (fe *fakeEngine) Retry(_, _, _ engine.ConnectionID, _ []byte, _ quic.Version, _ []byte) (int, error) {
	return 0, errors.New("not implemented")
}

func (fe *fakeEngine) Accept(_, _ engine.ConnectionID, _ net.Addr) (engine.Conn, error) {
	if fe.reject {
		return nil, errors.New("rejected")
	}
	fc := &fakeConn{timeout: time.Hour}
	fe.accepted = append(fe.accepted, fc)
	return fc, nil
}

func (fe *fakeEngine) Connect(string, engine.ConnectionID, net.Addr) (engine.Conn, error) {
	if fe.reject {
		return nil, errors.New("rejected")
	}
	fc := &fakeConn{
		pending: [][]byte{[]byte("initial")},
		timeout: time.Hour,
	}
	fe.connected = append(fe.connected, fc)
	return fc, nil
}

// staticTrace is a trace.Source without a file.
type staticTrace struct {
	entries []trace.Entry
	err     error
	calls   int
}

func (st *staticTrace) Entries() ([]trace.Entry, error) {
	st.calls++
	return st.entries, st.err
}
