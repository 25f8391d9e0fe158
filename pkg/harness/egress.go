// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
	"github.com/dtn7/dtptest-go/pkg/udp"
)

// DefaultPacing is the interval of the pacing timer.
const DefaultPacing = 100 * time.Microsecond

// maxDatagramLen is the size of the egress buffer.
const maxDatagramLen = 1500

// Socket is the UDP socket shared by all connections, implemented by
// udp.Socket.
type Socket interface {
	Recv() (udp.Datagram, bool)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetTOS(tos int) error
	Readable() <-chan struct{}
	LocalAddr() net.Addr
}

// Pump writes a connection's outgoing datagrams to the Socket.
type Pump struct {
	socket Socket

	// server pumps stop the idle timer if the engine reports no timeout.
	server   bool
	diffServ bool
	pacing   time.Duration

	buf []byte

	// Written counts the bytes of all written datagrams.
	Written uint64
}

// NewPump for the given Socket. A non-positive pacing results in the
// DefaultPacing.
func NewPump(socket Socket, server, diffServ bool, pacing time.Duration) *Pump {
	if pacing <= 0 {
		pacing = DefaultPacing
	}

	return &Pump{
		socket:   socket,
		server:   server,
		diffServ: diffServ,
		pacing:   pacing,
		buf:      make([]byte, maxDatagramLen),
	}
}

// Flush sends datagrams until the engine has nothing left. A failed or short
// write ends this cycle; the datagram is not retried. Afterwards, the idle
// timer is re-armed with the engine's timeout and the pacing timer with the
// pacing interval.
func (p *Pump) Flush(rec *Record) {
	logger := log.WithField("conn", rec.ID)

	for {
		n, info, err := rec.Conn.Send(p.buf)
		if errors.Is(err, engine.ErrDone) {
			break
		} else if err != nil {
			logger.WithError(err).Warn("Engine failed to create a datagram")
			break
		}

		if p.diffServ {
			if err := p.socket.SetTOS(int(info.DiffServ) << 2); err != nil {
				logger.WithError(err).Debug("Setting TOS failed")
			}
		}

		to := info.To
		if to == nil {
			to = rec.Peer
		}

		written, err := p.socket.WriteTo(p.buf[:n], to)
		if err != nil {
			logger.WithError(err).WithField("peer", to).Warn("Sending datagram failed")
			break
		} else if written != n {
			logger.WithFields(log.Fields{
				"peer":     to,
				"sent":     written,
				"expected": n,
			}).Warn("Sending datagram was short")
			break
		}

		p.Written += uint64(written)
		logger.WithFields(log.Fields{
			"peer": to,
			"size": written,
		}).Trace("Sent datagram")
	}

	if t := rec.Conn.Timeout(); t > 0 {
		rec.idle.Reset(t)
	} else if p.server {
		rec.idle.Stop()
	}

	rec.pacer.Reset(p.pacing)
}
