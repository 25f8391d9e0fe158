// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"errors"
	"fmt"
)

// ErrorCode is carried in CONNECTION_CLOSE frames.
type ErrorCode uint64

const (
	NoError ErrorCode = 0x0
	// InternalError designates errors happening on this machine.
	InternalError ErrorCode = 0x1
	// ProtocolViolation is sent for frames or packets which must not occur.
	ProtocolViolation ErrorCode = 0xa
	// TransportParameterError is sent for invalid or mismatching HELLOs.
	TransportParameterError ErrorCode = 0x8
	// ApplicationError offsets application codes given to Conn.Close.
	ApplicationError ErrorCode = 0x100
)

var (
	// ErrInvalidPacket is returned for datagrams which cannot be parsed.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrChecksum is returned for packets with a wrong CRC trailer.
	ErrChecksum = errors.New("packet checksum mismatch")

	// ErrUnknownConnectionID is returned for packets addressed to another
	// connection.
	ErrUnknownConnectionID = errors.New("unknown destination connection ID")

	// ErrBufferTooShort is returned if an output buffer cannot hold a packet.
	ErrBufferTooShort = errors.New("buffer too short")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrNotEstablished is returned when sending stream data too early.
	ErrNotEstablished = errors.New("connection not established")

	// ErrStreamFinished is returned when writing to a stream after its fin.
	ErrStreamFinished = errors.New("stream already finished")

	// ErrStreamLimit is returned when opening more streams than the peer
	// allows.
	ErrStreamLimit = errors.New("stream limit exceeded")
)

// TransportError closes a connection. It wraps the cause, if any.
type TransportError struct {
	Code   ErrorCode
	Reason string
	Remote bool
	Cause  error
}

func newTransportError(code ErrorCode, reason string, cause error) *TransportError {
	return &TransportError{
		Code:   code,
		Reason: reason,
		Cause:  cause,
	}
}

func (err *TransportError) Error() string {
	side := "local"
	if err.Remote {
		side = "remote"
	}
	return fmt.Sprintf("%s transport error 0x%x: %s", side, uint64(err.Code), err.Reason)
}

func (err *TransportError) Unwrap() error {
	return err.Cause
}
