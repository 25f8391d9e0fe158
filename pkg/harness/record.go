// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"fmt"
	"net"
	"time"

	"github.com/dtn7/dtptest-go/pkg/engine"
	"github.com/dtn7/dtptest-go/pkg/reactor"
	"github.com/dtn7/dtptest-go/pkg/trace"
)

const (
	// LocalConnIDLen is the length of connection IDs chosen by the harness.
	LocalConnIDLen = 16

	// AwaitingEstablished is the cursor of a Record whose handshake has not
	// yet completed.
	AwaitingEstablished = -1
)

// Record is a single connection and its schedule. Records are owned by the
// Loop's goroutine and must not be accessed from others.
type Record struct {
	ID   engine.ConnectionID
	Peer net.Addr
	Conn engine.Conn

	// Trace is sent in order; Cursor points to the next Entry. Cursor is
	// AwaitingEstablished until the handshake completes and len(Trace) after
	// the last Entry was sent.
	Trace  []trace.Entry
	Cursor int

	Created time.Time

	idle   *reactor.Timer
	pacer  *reactor.Timer
	sender *reactor.Timer
}

// Sending reports if there are Entries left to be sent.
func (rec *Record) Sending() bool {
	return rec.Cursor >= 0 && rec.Cursor < len(rec.Trace)
}

// Done reports if the whole trace was sent.
func (rec *Record) Done() bool {
	return rec.Cursor >= len(rec.Trace)
}

func (rec *Record) String() string {
	return fmt.Sprintf("Record(%v, peer=%v, cursor=%d/%d)", rec.ID, rec.Peer, rec.Cursor, len(rec.Trace))
}

func (rec *Record) stopTimers() {
	rec.idle.Stop()
	rec.pacer.Stop()
	rec.sender.Stop()
}
