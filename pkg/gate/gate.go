// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package gate performs the stateless part of a server's connection
// establishment: version negotiation and address validation by retry tokens.
// It is consulted only for packets which belong to no known connection.
package gate

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

// HandshakeTOS is the TOS byte of version negotiation and retry datagrams if
// DiffServ marking is enabled.
const HandshakeTOS = 5 << 5

// Engine builds the stateless handshake packets.
type Engine interface {
	VersionSupported(v quic.Version) bool
	NegotiateVersion(scid, dcid engine.ConnectionID, out []byte) (int, error)
	Retry(scid, dcid, newSCID engine.ConnectionID, token []byte, v quic.Version, out []byte) (int, error)
}

// Sender writes datagrams to peers.
type Sender interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetTOS(tos int) error
}

// Outcome of an admission.
type Outcome int

const (
	// Dropped packets are ignored.
	Dropped Outcome = iota

	// Negotiated packets were answered by a version negotiation.
	Negotiated

	// Retried packets were answered by a retry carrying a new token.
	Retried

	// Accepted packets carried a valid token; a connection should be created.
	Accepted
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Negotiated:
		return "negotiated"
	case Retried:
		return "retried"
	case Accepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Gate decides about packets of unknown connections.
type Gate struct {
	engine    Engine
	sender    Sender
	minter    *Minter
	connIDLen int
	diffServ  bool

	buf []byte
}

// New creates a Gate. New connection IDs for retries have connIDLen bytes;
// if diffServ is set, outgoing datagrams are marked with HandshakeTOS.
func New(eng Engine, sender Sender, connIDLen int, diffServ bool) (*Gate, error) {
	if connIDLen <= 0 || connIDLen > engine.MaxConnIDLen {
		return nil, fmt.Errorf("invalid connection ID length %d", connIDLen)
	}

	minter, err := NewMinter()
	if err != nil {
		return nil, err
	}

	return &Gate{
		engine:    eng,
		sender:    sender,
		minter:    minter,
		connIDLen: connIDLen,
		diffServ:  diffServ,
		buf:       make([]byte, 1500),
	}, nil
}

// Admit inspects the header of a packet for which no connection exists. For
// Accepted packets, the original destination connection ID recovered from
// the token is returned.
func (g *Gate) Admit(hdr engine.Header, from net.Addr) (odcid engine.ConnectionID, outcome Outcome) {
	logger := log.WithFields(log.Fields{
		"peer":    from,
		"dcid":    hdr.DstConnID,
		"scid":    hdr.SrcConnID,
		"version": hdr.Version,
		"type":    hdr.Type,
	})

	switch hdr.Type {
	case engine.PacketShort, engine.PacketVersionNegotiation, engine.PacketRetry:
		logger.Debug("Dropping packet of unknown connection")
		return nil, Dropped
	}

	if !g.engine.VersionSupported(hdr.Version) {
		logger.Debug("Negotiating version")

		n, err := g.engine.NegotiateVersion(hdr.SrcConnID, hdr.DstConnID, g.buf)
		if err != nil {
			logger.WithError(err).Warn("Creating version negotiation packet failed")
			return nil, Dropped
		}
		g.send(g.buf[:n], from, logger)
		return nil, Negotiated
	}

	if hdr.Type != engine.PacketInitial {
		logger.Debug("Dropping non-Initial packet of unknown connection")
		return nil, Dropped
	}

	if len(hdr.Token) == 0 {
		return nil, g.retry(hdr, from, logger)
	}

	odcid, err := g.minter.Validate(hdr.Token, from)
	if err != nil {
		logger.WithError(err).Warn("Dropping packet with invalid token")
		return nil, Dropped
	}
	return odcid, Accepted
}

func (g *Gate) retry(hdr engine.Header, from net.Addr, logger *log.Entry) Outcome {
	token, err := g.minter.Mint(from, hdr.DstConnID)
	if err != nil {
		logger.WithError(err).Warn("Minting token failed")
		return Dropped
	}

	newSCID := make(engine.ConnectionID, g.connIDLen)
	if _, err := rand.Read(newSCID); err != nil {
		logger.WithError(err).Warn("Generating connection ID failed")
		return Dropped
	}

	n, err := g.engine.Retry(hdr.SrcConnID, hdr.DstConnID, newSCID, token, hdr.Version, g.buf)
	if err != nil {
		logger.WithError(err).Warn("Creating retry packet failed")
		return Dropped
	}

	logger.WithField("new-scid", newSCID).Debug("Sending retry")
	g.send(g.buf[:n], from, logger)
	return Retried
}

// send writes exactly one datagram. Failures are logged, never retried.
func (g *Gate) send(b []byte, to net.Addr, logger *log.Entry) {
	if g.diffServ {
		if err := g.sender.SetTOS(HandshakeTOS); err != nil {
			logger.WithError(err).Debug("Setting TOS failed")
		}
	}

	if n, err := g.sender.WriteTo(b, to); err != nil {
		logger.WithError(err).Warn("Sending handshake datagram failed")
	} else if n != len(b) {
		logger.WithFields(log.Fields{
			"sent":     n,
			"expected": len(b),
		}).Warn("Sending handshake datagram was short")
	}
}
