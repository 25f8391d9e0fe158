// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

// clientDCIDLen is the length of the random destination connection ID of a
// client's first Initial packet.
const clientDCIDLen = 16

// Engine creates plain connections sharing one Config.
type Engine struct {
	cfg Config
}

// NewEngine checks the Config and creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) ParseHeader(b []byte, dcidLen int) (engine.Header, error) {
	hdr, err := parseHeader(b, dcidLen)
	return hdr.Header, err
}

func (e *Engine) VersionSupported(v quic.Version) bool {
	return isSupported(v)
}

func (e *Engine) NegotiateVersion(scid, dcid engine.ConnectionID, out []byte) (int, error) {
	return writeVersionNegotiation(scid, dcid, out)
}

func (e *Engine) Retry(scid, dcid, newSCID engine.ConnectionID, token []byte, v quic.Version, out []byte) (int, error) {
	return writeRetry(scid, dcid, newSCID, token, v, out)
}

// Accept a server connection. odcid is the client's original destination
// connection ID, recovered from a retry token, or nil without a retry.
func (e *Engine) Accept(scid, odcid engine.ConnectionID, peer net.Addr) (engine.Conn, error) {
	if len(scid) == 0 || len(scid) > engine.MaxConnIDLen {
		return nil, fmt.Errorf("invalid connection ID length %d", len(scid))
	}

	c := newConn(e.cfg, true, scid, peer)
	if odcid != nil {
		c.odcid = append(engine.ConnectionID(nil), odcid...)
		c.retrySCID = append(engine.ConnectionID(nil), scid...)
	}

	log.WithFields(log.Fields{
		"scid":  c.scid,
		"odcid": c.odcid,
		"peer":  peer,
	}).Debug("Accepted connection")
	return c, nil
}

// Connect creates a client connection. The first HELLO is sent with the next
// call to Send.
func (e *Engine) Connect(serverName string, scid engine.ConnectionID, peer net.Addr) (engine.Conn, error) {
	if len(scid) == 0 || len(scid) > engine.MaxConnIDLen {
		return nil, fmt.Errorf("invalid connection ID length %d", len(scid))
	}

	dcid := make(engine.ConnectionID, clientDCIDLen)
	if _, err := rand.Read(dcid); err != nil {
		return nil, fmt.Errorf("generating connection ID: %w", err)
	}

	c := newConn(e.cfg, false, scid, peer)
	c.serverName = serverName
	c.version = e.cfg.Version
	c.dcid = dcid
	c.odcid = append(engine.ConnectionID(nil), dcid...)
	c.control = []frame{&helloFrame{params: c.local}}

	log.WithFields(log.Fields{
		"scid":    c.scid,
		"dcid":    c.dcid,
		"version": c.version,
		"server":  serverName,
	}).Debug("Connecting")
	return c, nil
}
