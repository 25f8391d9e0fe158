// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"context"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
	"github.com/dtn7/dtptest-go/pkg/gate"
	"github.com/dtn7/dtptest-go/pkg/reactor"
	"github.com/dtn7/dtptest-go/pkg/results"
	"github.com/dtn7/dtptest-go/pkg/trace"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Socket Socket
	Engine engine.Engine
	Traces trace.Source

	// Sink receives a ConnectionRecord for each retired connection. Might
	// be nil.
	Sink results.Sink

	// Observer is notified about connection changes. Might be nil.
	Observer Observer

	// DiffServ marks datagrams with a DSCP value.
	DiffServ bool

	// Streams sends the trace as plain streams without block metadata.
	Streams bool

	// Pacing interval; zero results in DefaultPacing.
	Pacing time.Duration
}

// Server accepts connections on a Socket and sends each of them the trace.
type Server struct {
	loop     *reactor.Loop
	socket   Socket
	engine   engine.Engine
	gate     *gate.Gate
	registry *Registry

	pump      *Pump
	scheduler *Scheduler

	sink     results.Sink
	observer Observer

	buf []byte
}

// NewServer creates a Server. It starts serving when Run is called.
func NewServer(conf ServerConfig) (*Server, error) {
	if conf.Socket == nil || conf.Engine == nil || conf.Traces == nil {
		return nil, errors.New("server requires a socket, an engine, and a trace source")
	}

	g, err := gate.New(conf.Engine, conf.Socket, LocalConnIDLen, conf.DiffServ)
	if err != nil {
		return nil, err
	}

	s := &Server{
		loop:     reactor.New(),
		socket:   conf.Socket,
		engine:   conf.Engine,
		gate:     g,
		sink:     conf.Sink,
		observer: conf.Observer,
		buf:      make([]byte, 65535),
	}
	if s.sink == nil {
		s.sink = results.Discard
	}

	s.pump = NewPump(conf.Socket, true, conf.DiffServ, conf.Pacing)
	s.scheduler = NewScheduler(s.pump, conf.Streams)
	s.registry = NewRegistry(s.loop, conf.Engine, conf.Traces, Callbacks{
		Idle: s.onIdle,
		Pace: s.onPace,
		Send: s.onSend,
	})

	s.loop.WatchReadable(conf.Socket.Readable(), s.onReadable)

	return s, nil
}

// Run the Server until ctx is done or Close is called.
func (s *Server) Run(ctx context.Context) error {
	log.WithField("address", s.socket.LocalAddr()).Info("Server started")
	return s.loop.Run(ctx)
}

// Close stops a running Server. Open connections are not closed.
func (s *Server) Close() {
	s.loop.Break()
}

// Connections returns a snapshot of all connections. It is safe to be
// called from other goroutines while the Server is running.
func (s *Server) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	reply := make(chan []ConnectionInfo, 1)
	s.loop.Post(func() {
		infos := make([]ConnectionInfo, 0, s.registry.Len())
		s.registry.Each(func(rec *Record) {
			infos = append(infos, newConnectionInfo(rec))
		})
		reply <- infos
	})

	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) observe(et EventType, rec *Record) {
	if s.observer == nil {
		return
	}
	s.observer.Observe(Event{
		Type:       et,
		Time:       time.Now(),
		Connection: newConnectionInfo(rec),
	})
}

// onReadable ingests all queued datagrams. Afterwards, each touched
// connection is served once.
func (s *Server) onReadable() {
	var touched []*Record
	seen := make(map[*Record]struct{})

	for {
		d, ok := s.socket.Recv()
		if !ok {
			break
		}

		rec := s.ingest(d.Data, d.From)
		if rec == nil {
			continue
		}
		if _, ok := seen[rec]; !ok {
			seen[rec] = struct{}{}
			touched = append(touched, rec)
		}
	}

	for _, rec := range touched {
		drainStreams(rec, s.buf, nil)
		s.pump.Flush(rec)
		s.retireIfClosed(rec)
	}
}

// ingest passes a datagram to its connection, which might be created first.
func (s *Server) ingest(b []byte, from net.Addr) *Record {
	hdr, err := s.engine.ParseHeader(b, LocalConnIDLen)
	if err != nil {
		log.WithError(err).WithField("peer", from).Debug("Dropping unparsable datagram")
		return nil
	}

	rec, ok := s.registry.Find(hdr.DstConnID)
	if !ok {
		odcid, outcome := s.gate.Admit(hdr, from)
		if outcome != gate.Accepted {
			return nil
		}

		rec, err = s.registry.Create(hdr.DstConnID, odcid, from)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"peer": from,
				"dcid": hdr.DstConnID,
			}).Warn("Creating connection failed")
			return nil
		}
		s.observe(Created, rec)
	}

	if _, err := rec.Conn.Recv(b, engine.RecvInfo{From: from}); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"conn": rec.ID,
			"peer": from,
		}).Debug("Engine failed to process datagram")
	}

	if rec.Cursor == AwaitingEstablished && rec.Conn.IsEstablished() {
		s.scheduler.Start(rec)
		s.observe(Established, rec)
	}

	return rec
}

func (s *Server) onIdle(rec *Record) {
	rec.Conn.OnTimeout()
	s.pump.Flush(rec)
	s.retireIfClosed(rec)
}

func (s *Server) onPace(rec *Record) {
	s.pump.Flush(rec)
	s.retireIfClosed(rec)
}

func (s *Server) onSend(rec *Record) {
	s.scheduler.Tick(rec)
	s.retireIfClosed(rec)
}

func (s *Server) retireIfClosed(rec *Record) {
	if !rec.Conn.IsClosed() {
		return
	}
	if cur, ok := s.registry.Find(rec.ID); !ok || cur != rec {
		return
	}

	cr := newConnectionRecord(rec, "server")
	log.WithFields(log.Fields{
		"conn":   rec.ID,
		"peer":   rec.Peer,
		"recv":   cr.Recv,
		"sent":   cr.Sent,
		"lost":   cr.Lost,
		"rtt":    cr.RTT,
		"cwnd":   cr.Cwnd,
		"cursor": rec.Cursor,
	}).Info("Connection closed")

	if err := s.sink.WriteConnection(cr); err != nil {
		log.WithError(err).WithField("conn", rec.ID).Warn("Writing connection record failed")
	}

	s.registry.Delete(rec.ID)
	s.observe(Closed, rec)
	rec.Trace = nil
}

func newConnectionRecord(rec *Record, role string) results.ConnectionRecord {
	stats := rec.Conn.Stats()
	return results.ConnectionRecord{
		Connection: rec.ID.String(),
		Peer:       rec.Peer.String(),
		Role:       role,
		Created:    rec.Created,
		Closed:     time.Now(),
		Recv:       stats.Recv,
		Sent:       stats.Sent,
		Lost:       stats.Lost,
		RecvBytes:  stats.RecvBytes,
		SentBytes:  stats.SentBytes,
		RTT:        stats.RTT,
		Cwnd:       stats.Cwnd,
	}
}

// drainStreams reads all readable streams. If fn is not nil, it is called
// for every read chunk.
func drainStreams(rec *Record, buf []byte, fn func(id uint64, b []byte, fin bool)) {
	for _, id := range rec.Conn.Readable() {
		for {
			n, fin, err := rec.Conn.StreamRecv(id, buf)
			if errors.Is(err, engine.ErrDone) {
				break
			} else if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"conn":   rec.ID,
					"stream": id,
				}).Debug("Reading stream failed")
				break
			}

			if fn != nil {
				fn(id, buf[:n], fin)
			}
			if fin {
				break
			}
		}
	}
}
