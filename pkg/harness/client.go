// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
	"github.com/dtn7/dtptest-go/pkg/reactor"
	"github.com/dtn7/dtptest-go/pkg/results"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Socket Socket
	Engine engine.Engine

	// ServerName is passed to the engine, e.g., for certificate validation.
	ServerName string
	Peer       net.Addr

	// Sink receives a BlockRecord for each completely received block and a
	// final ConnectionRecord. Might be nil.
	Sink results.Sink

	DiffServ bool

	// Pacing interval; zero results in DefaultPacing.
	Pacing time.Duration
}

// Summary of a Client's run.
type Summary struct {
	Start time.Time
	End   time.Time

	// Blocks counts completely received blocks.
	Blocks int

	// PayloadBytes counts received stream bytes, UDPBytes received datagram
	// bytes.
	PayloadBytes uint64
	UDPBytes     uint64
}

// Goodput in bytes per second.
func (sum Summary) Goodput() float64 {
	d := sum.End.Sub(sum.Start).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(sum.PayloadBytes) / d
}

// Client receives blocks over a single connection.
type Client struct {
	loop     *reactor.Loop
	socket   Socket
	registry *Registry
	pump     *Pump
	sink     results.Sink

	rec      *Record
	received map[uint64]uint64
	summary  Summary
	finished bool

	buf []byte
}

// NewClient creates the connection. The handshake starts when Run is called.
func NewClient(conf ClientConfig) (*Client, error) {
	if conf.Socket == nil || conf.Engine == nil || conf.Peer == nil {
		return nil, errors.New("client requires a socket, an engine, and a peer")
	}

	c := &Client{
		loop:     reactor.New(),
		socket:   conf.Socket,
		sink:     conf.Sink,
		received: make(map[uint64]uint64),
		buf:      make([]byte, 65535),
	}
	if c.sink == nil {
		c.sink = results.Discard
	}

	c.pump = NewPump(conf.Socket, false, conf.DiffServ, conf.Pacing)
	c.registry = NewRegistry(c.loop, conf.Engine, nil, Callbacks{
		Idle: c.onIdle,
		Pace: c.onPace,
	})

	scid := make(engine.ConnectionID, LocalConnIDLen)
	if _, err := rand.Read(scid); err != nil {
		return nil, err
	}

	conn, err := conf.Engine.Connect(conf.ServerName, scid, conf.Peer)
	if err != nil {
		return nil, err
	}

	if c.rec, err = c.registry.Attach(scid, conf.Peer, conn); err != nil {
		return nil, err
	}

	c.loop.WatchReadable(conf.Socket.Readable(), c.onReadable)

	return c, nil
}

// Run the Client until its connection is closed or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.summary.Start = time.Now()

	log.WithFields(log.Fields{
		"conn": c.rec.ID,
		"peer": c.rec.Peer,
	}).Info("Client connecting")

	c.pump.Flush(c.rec)
	return c.loop.Run(ctx)
}

// Summary of the Client's run. Must only be called after Run returned.
func (c *Client) Summary() Summary {
	return c.summary
}

func (c *Client) onReadable() {
	for {
		d, ok := c.socket.Recv()
		if !ok {
			break
		}

		c.summary.UDPBytes += uint64(len(d.Data))
		if _, err := c.rec.Conn.Recv(d.Data, engine.RecvInfo{From: d.From}); err != nil {
			log.WithError(err).WithField("peer", d.From).Debug("Engine failed to process datagram")
		}
	}

	if c.rec.Conn.IsClosed() {
		c.finish()
		return
	}

	drainStreams(c.rec, c.buf, c.onStreamData)
	c.pump.Flush(c.rec)
}

func (c *Client) onStreamData(id uint64, b []byte, fin bool) {
	c.summary.PayloadBytes += uint64(len(b))
	c.received[id] += uint64(len(b))

	if !fin {
		return
	}

	br := results.BlockRecord{
		Connection: c.rec.ID.String(),
		ID:         id,
		BCT:        c.rec.Conn.BlockCompletionTime(id),
		Size:       c.received[id],
		Duration:   time.Since(c.summary.Start),
	}
	if block, ok := c.rec.Conn.BlockInfo(id); ok {
		br.Size = block.Size
		br.Priority = block.Priority
		br.Deadline = block.Deadline
	}
	delete(c.received, id)
	c.summary.Blocks++

	log.WithFields(log.Fields{
		"conn":     c.rec.ID,
		"stream":   id,
		"bct":      br.BCT,
		"size":     br.Size,
		"priority": br.Priority,
		"deadline": br.Deadline,
	}).Debug("Received block")

	if err := c.sink.WriteBlock(br); err != nil {
		log.WithError(err).WithField("stream", id).Warn("Writing block record failed")
	}
}

func (c *Client) onIdle(rec *Record) {
	rec.Conn.OnTimeout()
	c.pump.Flush(rec)
	if rec.Conn.IsClosed() {
		c.finish()
	}
}

func (c *Client) onPace(rec *Record) {
	c.pump.Flush(rec)
	if rec.Conn.IsClosed() {
		c.finish()
	}
}

func (c *Client) finish() {
	if c.finished {
		return
	}
	c.finished = true
	c.summary.End = time.Now()

	cr := newConnectionRecord(c.rec, "client")
	cr.Blocks = c.summary.Blocks
	cr.PayloadBytes = c.summary.PayloadBytes
	cr.UDPBytes = c.summary.UDPBytes

	log.WithFields(log.Fields{
		"conn":          c.rec.ID,
		"recv":          cr.Recv,
		"sent":          cr.Sent,
		"lost":          cr.Lost,
		"rtt":           cr.RTT,
		"cwnd":          cr.Cwnd,
		"blocks":        cr.Blocks,
		"payload-bytes": cr.PayloadBytes,
		"udp-bytes":     cr.UDPBytes,
		"duration":      c.summary.End.Sub(c.summary.Start),
		"goodput":       c.summary.Goodput(),
	}).Info("Connection closed")

	if err := c.sink.WriteConnection(cr); err != nil {
		log.WithError(err).Warn("Writing connection record failed")
	}

	c.registry.Delete(c.rec.ID)
	c.loop.Break()
}
