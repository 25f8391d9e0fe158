// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package engine describes the QUIC connection engine driven by the DTP test
// harness. The engine is sans-I/O: it never touches a socket or a timer. The
// harness feeds received datagrams in, pulls datagrams out, and calls back on
// expired timeouts.
//
// The built-in implementation lives in the plain subpackage; other engines
// can be plugged in by implementing Engine and Conn.
package engine

import (
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// MaxConnIDLen is the longest connection ID allowed by QUIC.
const MaxConnIDLen = 20

// ErrDone is returned by Conn.Send if there is nothing left to send and by
// Conn.StreamRecv if a stream has no readable data.
var ErrDone = errors.New("engine: done")

// ConnectionID identifies a connection independently of network addresses.
type ConnectionID []byte

func (id ConnectionID) String() string {
	return hex.EncodeToString(id)
}

// PacketType of a parsed header.
type PacketType uint8

const (
	PacketInitial PacketType = iota
	PacketZeroRTT
	PacketHandshake
	PacketRetry
	PacketVersionNegotiation
	PacketShort
)

func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "initial"
	case PacketZeroRTT:
		return "0-rtt"
	case PacketHandshake:
		return "handshake"
	case PacketRetry:
		return "retry"
	case PacketVersionNegotiation:
		return "version negotiation"
	case PacketShort:
		return "short"
	default:
		return "unknown"
	}
}

// Header is the unprotected part of a QUIC packet, as far as the harness
// needs it for routing and address validation.
type Header struct {
	Version   quic.Version
	Type      PacketType
	SrcConnID ConnectionID
	DstConnID ConnectionID
	Token     []byte
}

// RecvInfo describes a received datagram.
type RecvInfo struct {
	From net.Addr
}

// SendInfo describes where and how an outgoing datagram should be sent.
type SendInfo struct {
	To net.Addr

	// At is the earliest time the datagram should be released.
	At time.Time

	// DiffServ is the DSCP value for this datagram.
	DiffServ uint8
}

// Block is the DTP scheduling metadata attached to a stream.
type Block struct {
	Size     uint64
	Priority uint64
	Deadline uint64
}

// Stats of a connection.
type Stats struct {
	// Recv, Sent, and Lost count packets.
	Recv int
	Sent int
	Lost int

	RecvBytes uint64
	SentBytes uint64

	RTT  time.Duration
	Cwnd int
}

// Engine creates connections and builds the stateless handshake packets.
type Engine interface {
	// ParseHeader extracts the header of a datagram. Short headers carry no
	// length information, so the expected DCID length must be passed.
	ParseHeader(b []byte, dcidLen int) (Header, error)

	// VersionSupported reports if a connection can be accepted for v.
	VersionSupported(v quic.Version) bool

	// NegotiateVersion writes a version negotiation packet into out. The
	// arguments are the client's SCID and DCID as found in its packet.
	NegotiateVersion(scid, dcid ConnectionID, out []byte) (int, error)

	// Retry writes a retry packet into out, asking the client to use newSCID
	// and to echo token.
	Retry(scid, dcid, newSCID ConnectionID, token []byte, v quic.Version, out []byte) (int, error)

	// Accept creates a server side connection.
	Accept(scid, odcid ConnectionID, peer net.Addr) (Conn, error)

	// Connect creates a client side connection.
	Connect(serverName string, scid ConnectionID, peer net.Addr) (Conn, error)
}

// Conn is one engine connection. It is not safe for concurrent use.
type Conn interface {
	// Recv processes one received datagram.
	Recv(b []byte, info RecvInfo) (int, error)

	// Send writes the next outgoing datagram into out. ErrDone signals that
	// nothing is pending.
	Send(out []byte) (int, SendInfo, error)

	// Timeout is the duration until OnTimeout must be called. Zero means
	// that no timeout is pending.
	Timeout() time.Duration

	// OnTimeout processes an expired timeout.
	OnTimeout()

	IsEstablished() bool
	IsClosed() bool

	// StreamSend queues data on a stream.
	StreamSend(id uint64, b []byte, fin bool) (int, error)

	// BlockSend queues data on a stream carrying DTP block metadata.
	BlockSend(id uint64, b []byte, fin bool, block Block) (int, error)

	// Readable lists the streams with data available to StreamRecv.
	Readable() []uint64

	// StreamRecv reads from a stream. fin is true once the final byte was
	// read.
	StreamRecv(id uint64, b []byte) (n int, fin bool, err error)

	// BlockInfo returns the metadata received for a block stream.
	BlockInfo(id uint64) (Block, bool)

	// BlockCompletionTime is the time it took to deliver a block completely.
	BlockCompletionTime(id uint64) time.Duration

	Stats() Stats

	// Close the connection with an application error code.
	Close(code uint64, reason string) error
}
