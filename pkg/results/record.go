// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package results

import (
	"fmt"
	"time"
)

// BlockRecord describes one completely received block.
type BlockRecord struct {
	// Connection is the hex encoded connection ID the block was received on.
	Connection string

	// ID is the block's stream ID.
	ID uint64

	// BCT is the block completion time, from the sender handing the block to
	// its engine until the receiver got its last byte.
	BCT time.Duration

	Size     uint64
	Priority uint64
	Deadline uint64

	// Duration is the time since the client started.
	Duration time.Duration
}

func (br BlockRecord) String() string {
	return fmt.Sprintf("BlockRecord(%d, bct=%v, size=%d, priority=%d, deadline=%d)",
		br.ID, br.BCT, br.Size, br.Priority, br.Deadline)
}

// Met reports if the block was completed within its deadline, which is
// interpreted in milliseconds. A zero deadline is always met.
func (br BlockRecord) Met() bool {
	return br.Deadline == 0 || br.BCT <= time.Duration(br.Deadline)*time.Millisecond
}

// ConnectionRecord contains the final statistics of a retired connection.
type ConnectionRecord struct {
	Connection string
	Peer       string
	Role       string

	Created time.Time
	Closed  time.Time

	Recv int
	Sent int
	Lost int

	RecvBytes uint64
	SentBytes uint64

	RTT  time.Duration
	Cwnd int

	// Blocks, PayloadBytes, and UDPBytes are only counted by the client.
	Blocks       int
	PayloadBytes uint64
	UDPBytes     uint64
}

func (cr ConnectionRecord) String() string {
	return fmt.Sprintf("connection=%s peer=%s recv=%d sent=%d lost=%d rtt=%v cwnd=%d",
		cr.Connection, cr.Peer, cr.Recv, cr.Sent, cr.Lost, cr.RTT, cr.Cwnd)
}
