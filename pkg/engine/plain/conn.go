// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

// errIdleTimeout is stored as the closing reason of idle connections.
var errIdleTimeout = errors.New("idle timeout")

// Conn is a connection of the plain engine, either client or server side.
type Conn struct {
	cfg      Config
	isServer bool
	version  quic.Version

	scid      engine.ConnectionID
	dcid      engine.ConnectionID
	odcid     engine.ConnectionID
	retrySCID engine.ConnectionID
	token     []byte

	peerAddr   net.Addr
	serverName string

	local transportParameters
	peer  *transportParameters

	gotPeerPacket bool
	didRetry      bool
	didVN         bool

	established   bool
	finishedAcked bool
	closed        bool
	closing       *closeFrame
	err           error

	nextPN     uint64
	recvRanges []pnRange
	ackPending bool

	rec         *recovery
	control     []frame
	sendStreams *sendStreams
	recvStreams map[uint64]*recvStream
	dataWritten uint64

	idleDeadline          time.Time
	ackElicitingSinceRecv bool

	stats engine.Stats
}

func newConn(cfg Config, isServer bool, scid engine.ConnectionID, peer net.Addr) *Conn {
	c := &Conn{
		cfg:         cfg,
		isServer:    isServer,
		scid:        append(engine.ConnectionID(nil), scid...),
		peerAddr:    peer,
		local:       newTransportParameters(cfg),
		rec:         newRecovery(cfg.CongestionControl, cfg.MaxDatagramSize),
		sendStreams: newSendStreams(),
		recvStreams: make(map[uint64]*recvStream),
	}
	c.restartIdle(cfg.now())
	return c
}

func (c *Conn) logFields() log.Fields {
	return log.Fields{
		"scid":   c.scid,
		"server": c.isServer,
	}
}

// Err returns the reason this connection was closed, if any.
func (c *Conn) Err() error {
	return c.err
}

func (c *Conn) IsEstablished() bool {
	return c.established
}

func (c *Conn) IsClosed() bool {
	return c.closed
}

func (c *Conn) idleTimeout() time.Duration {
	t := c.cfg.IdleTimeout
	if c.peer != nil && c.peer.idleTimeout > 0 && (t == 0 || c.peer.idleTimeout < t) {
		t = c.peer.idleTimeout
	}
	return t
}

func (c *Conn) restartIdle(now time.Time) {
	if t := c.idleTimeout(); t > 0 {
		c.idleDeadline = now.Add(t)
	} else {
		c.idleDeadline = time.Time{}
	}
}

func (c *Conn) maxDatagramSize() int {
	size := c.cfg.MaxDatagramSize
	if c.peer != nil && c.peer.maxUDPPayload < uint64(size) {
		size = int(c.peer.maxUDPPayload)
	}
	return size
}

func (c *Conn) matchesDCID(dcid engine.ConnectionID, typ engine.PacketType) bool {
	if bytes.Equal(dcid, c.scid) {
		return true
	}
	if !c.isServer {
		return false
	}
	if c.odcid == nil {
		return typ == engine.PacketInitial && c.peer == nil
	}
	return bytes.Equal(dcid, c.odcid)
}

// Recv processes all packets of a datagram.
func (c *Conn) Recv(b []byte, info engine.RecvInfo) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}

	now := c.cfg.now()
	for off := 0; off < len(b); {
		n, err := c.recvPacket(b[off:], info, now)
		if err != nil {
			if off == 0 {
				return 0, err
			}
			log.WithFields(c.logFields()).WithError(err).Debug("Dropping coalesced packet")
			break
		}
		off += n

		if c.closed {
			break
		}
	}
	return len(b), nil
}

func (c *Conn) recvPacket(b []byte, info engine.RecvInfo, now time.Time) (int, error) {
	hdr, err := parseHeader(b, len(c.scid))
	if err != nil {
		return 0, err
	}

	switch hdr.Type {
	case engine.PacketVersionNegotiation:
		return len(b), c.onVersionNegotiation(b, hdr)
	case engine.PacketRetry:
		return len(b), c.onRetry(b, hdr)
	case engine.PacketZeroRTT:
		return 0, fmt.Errorf("%w: unexpected 0-RTT packet", ErrInvalidPacket)
	}

	if !c.matchesDCID(hdr.DstConnID, hdr.Type) {
		return 0, fmt.Errorf("%w: %v", ErrUnknownConnectionID, hdr.DstConnID)
	}

	if hdr.Type != engine.PacketShort {
		if c.isServer && c.version == 0 {
			if !isSupported(hdr.Version) {
				return 0, fmt.Errorf("%w: unsupported version %v", ErrInvalidPacket, hdr.Version)
			}
			c.version = hdr.Version
		}
		if hdr.Version != c.version {
			return 0, fmt.Errorf("%w: version %v, expected %v", ErrInvalidPacket, hdr.Version, c.version)
		}
	}

	pkt := b[:hdr.end]
	if err := checkPacket(pkt); err != nil {
		return 0, err
	}
	pn := uint64(binary.BigEndian.Uint32(pkt[hdr.pnOffset:]))
	payload := pkt[hdr.pnOffset+packetNumberLen : len(pkt)-checksumLen]

	if c.alreadyReceived(pn) {
		return hdr.end, nil
	}

	frames, err := parseFrames(payload)
	if err != nil {
		c.closeWithError(newTransportError(ProtocolViolation, "malformed frame", err))
		return 0, err
	}

	switch {
	case c.isServer && hdr.Type == engine.PacketInitial:
		c.dcid = append(engine.ConnectionID(nil), hdr.SrcConnID...)
		if c.odcid == nil {
			c.odcid = append(engine.ConnectionID(nil), hdr.DstConnID...)
		}
	case !c.isServer && hdr.Type != engine.PacketShort && !c.gotPeerPacket:
		c.dcid = append(engine.ConnectionID(nil), hdr.SrcConnID...)
	}
	c.gotPeerPacket = true

	if info.From != nil && c.isServer && (c.peer == nil || !c.peer.disableActiveMigration) {
		c.peerAddr = info.From
	}

	c.recordReceived(pn)
	c.stats.Recv++
	c.stats.RecvBytes += uint64(len(pkt))
	c.restartIdle(now)
	c.ackElicitingSinceRecv = false

	for _, f := range frames {
		if f.ackEliciting() {
			c.ackPending = true
		}
		if err := c.handleFrame(f, now); err != nil {
			c.closeWithError(err)
			return 0, err
		}
		if c.closed {
			break
		}
	}

	return hdr.end, nil
}

func (c *Conn) alreadyReceived(pn uint64) bool {
	for _, r := range c.recvRanges {
		if pn >= r.smallest && pn <= r.largest {
			return true
		}
	}
	return false
}

// recordReceived inserts pn into the descending list of received ranges,
// merging adjacent ones and dropping the oldest beyond maxAckRanges.
func (c *Conn) recordReceived(pn uint64) {
	ranges := append(c.recvRanges, pnRange{smallest: pn, largest: pn})
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].largest > ranges[j].largest })

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.largest+1 >= last.smallest {
			if r.smallest < last.smallest {
				last.smallest = r.smallest
			}
			continue
		}
		merged = append(merged, r)
	}

	if len(merged) > maxAckRanges {
		merged = merged[:maxAckRanges]
	}
	c.recvRanges = merged
}

func (c *Conn) handleFrame(f frame, now time.Time) error {
	switch f := f.(type) {
	case *ackFrame:
		acked, lost := c.rec.onAckReceived(f, now)
		for _, p := range acked {
			for _, af := range p.frames {
				if _, ok := af.(finishedFrame); ok {
					c.finishedAcked = true
				}
			}
		}
		c.requeue(lost)

	case *helloFrame:
		return c.onHello(f)

	case finishedFrame:
		if !c.isServer || c.peer == nil {
			return newTransportError(ProtocolViolation, "unexpected FINISHED", nil)
		}
		if !c.established {
			c.established = true
			log.WithFields(c.logFields()).WithField("rtt", c.rec.srtt).Debug("Handshake completed")
		}

	case *streamFrame:
		c.recvStream(f.streamID).onFrame(f, now)

	case *blockFrame:
		s := c.recvStream(f.streamID)
		if s.block == nil {
			blk := f.block
			s.block = &blk
			s.sentAt = time.UnixMicro(int64(f.sentAt))
		}

	case *closeFrame:
		c.closed = true
		c.err = &TransportError{Code: f.code, Reason: f.reason, Remote: true}
		log.WithFields(c.logFields()).WithError(c.err).Debug("Peer closed connection")

	case pingFrame:
	}

	return nil
}

func (c *Conn) onHello(f *helloFrame) error {
	if c.peer != nil {
		return nil
	}
	params := f.params

	if c.isServer {
		c.peer = &params

		hello := &helloFrame{params: c.local}
		hello.params.originalDCID = c.odcid
		hello.params.retrySCID = c.retrySCID
		if cert := c.cfg.Certificate; cert != nil && len(cert.Certificate) > 0 {
			hello.params.certificate = cert.Certificate[0]
		}
		c.control = append(c.control, hello)
		return nil
	}

	if !bytes.Equal(params.originalDCID, c.odcid) {
		return newTransportError(TransportParameterError, "original destination connection ID mismatch", nil)
	}
	if !bytes.Equal(params.retrySCID, c.retrySCID) {
		return newTransportError(TransportParameterError, "retry source connection ID mismatch", nil)
	}

	c.peer = &params
	c.established = true
	c.control = append(c.control, finishedFrame{})

	log.WithFields(c.logFields()).WithFields(log.Fields{
		"version":     c.version,
		"certificate": certificateSubject(params.certificate),
	}).Debug("Handshake completed")
	return nil
}

func (c *Conn) onVersionNegotiation(b []byte, hdr packetHeader) error {
	if c.isServer || c.didVN || c.gotPeerPacket {
		return nil
	}
	if !bytes.Equal(hdr.DstConnID, c.scid) || !bytes.Equal(hdr.SrcConnID, c.dcid) {
		return fmt.Errorf("%w: version negotiation for another connection", ErrUnknownConnectionID)
	}

	versions, err := parseVersionNegotiation(b)
	if err != nil {
		return err
	}

	var chosen quic.Version
	for _, v := range versions {
		if v == c.version {
			return fmt.Errorf("%w: version negotiation lists current version", ErrInvalidPacket)
		}
		if chosen == 0 && isSupported(v) {
			chosen = v
		}
	}
	if chosen == 0 {
		c.closed = true
		c.err = fmt.Errorf("no supported version offered: %v", versions)
		return c.err
	}

	log.WithFields(c.logFields()).WithFields(log.Fields{
		"from": c.version,
		"to":   chosen,
	}).Debug("Switching version after version negotiation")

	c.version = chosen
	c.didVN = true
	c.restartHandshake()
	return nil
}

func (c *Conn) onRetry(b []byte, hdr packetHeader) error {
	if c.isServer || c.didRetry || c.gotPeerPacket {
		return nil
	}
	if !bytes.Equal(hdr.DstConnID, c.scid) {
		return fmt.Errorf("%w: retry for another connection", ErrUnknownConnectionID)
	}
	if hdr.Version != c.version {
		return fmt.Errorf("%w: retry with version %v", ErrInvalidPacket, hdr.Version)
	}
	if len(hdr.Token) == 0 {
		return fmt.Errorf("%w: retry without token", ErrInvalidPacket)
	}
	if err := checkRetry(b, c.odcid, c.version); err != nil {
		return err
	}

	c.dcid = append(engine.ConnectionID(nil), hdr.SrcConnID...)
	c.retrySCID = append(engine.ConnectionID(nil), hdr.SrcConnID...)
	c.token = hdr.Token
	c.didRetry = true

	log.WithFields(c.logFields()).WithField("dcid", c.dcid).Debug("Received retry")

	c.restartHandshake()
	return nil
}

// restartHandshake drops all packets sent so far and queues a new HELLO.
func (c *Conn) restartHandshake() {
	c.rec.discard()
	c.control = []frame{&helloFrame{params: c.local}}
}

func (c *Conn) recvStream(id uint64) *recvStream {
	s, ok := c.recvStreams[id]
	if !ok {
		s = newRecvStream(id)
		c.recvStreams[id] = s
	}
	return s
}

// requeue schedules the frames of lost packets for retransmission.
func (c *Conn) requeue(lost []*sentPacket) {
	for _, p := range lost {
		for _, f := range p.frames {
			switch f := f.(type) {
			case *streamFrame:
				if s := c.sendStreams.get(f.streamID); s != nil {
					s.retrans = append(s.retrans, f)
					c.sendStreams.schedule(s)
				}

			case *helloFrame:
				if (c.isServer && !c.established) || (!c.isServer && c.peer == nil) {
					c.control = append(c.control, f)
				}

			case finishedFrame:
				if !c.finishedAcked {
					c.control = append(c.control, f)
				}

			case *blockFrame:
				c.control = append(c.control, f)
			}
		}
	}
}

func (c *Conn) packetType() engine.PacketType {
	switch {
	case !c.isServer && c.peer == nil:
		return engine.PacketInitial
	case c.isServer && !c.established:
		return engine.PacketHandshake
	case !c.isServer && !c.finishedAcked:
		return engine.PacketHandshake
	default:
		return engine.PacketShort
	}
}

func (c *Conn) appendHeader(b []byte, typ engine.PacketType) []byte {
	switch typ {
	case engine.PacketInitial:
		b = appendLongHeader(b, longTypeInitial, c.version, c.dcid, c.scid)
		b = quicvarint.Append(b, uint64(len(c.token)))
		return append(b, c.token...)

	case engine.PacketHandshake:
		return appendLongHeader(b, longTypeHandshake, c.version, c.dcid, c.scid)

	default:
		b = append(b, headerFixedBit)
		return append(b, c.dcid...)
	}
}

// Send builds the next packet.
func (c *Conn) Send(out []byte) (int, engine.SendInfo, error) {
	if c.closed {
		return 0, engine.SendInfo{}, engine.ErrDone
	}

	now := c.cfg.now()
	typ := c.packetType()

	size := c.maxDatagramSize()
	if len(out) < size {
		size = len(out)
	}

	hdr := c.appendHeader(nil, typ)
	overhead := len(hdr) + packetNumberLen + checksumLen
	if typ != engine.PacketShort {
		overhead += 2
	}
	if size-overhead <= 0 {
		return 0, engine.SendInfo{}, ErrBufferTooShort
	}

	payload, frames, diffServ := c.buildPayload(size-overhead, size)
	if len(payload) == 0 {
		return 0, engine.SendInfo{}, engine.ErrDone
	}

	if typ == engine.PacketInitial {
		if pad := minInitialSize - overhead - len(payload); pad > 0 {
			if overhead+len(payload)+pad > len(out) {
				return 0, engine.SendInfo{}, ErrBufferTooShort
			}
			payload = append(payload, make([]byte, pad)...)
		}
	}

	pn := c.nextPN
	c.nextPN++

	b := hdr
	if typ != engine.PacketShort {
		b = quicvarint.AppendWithLen(b, uint64(packetNumberLen+len(payload)+checksumLen), 2)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(pn))
	b = append(b, payload...)
	b = sealPacket(b)
	n := copy(out, b)

	ackEliciting := false
	for _, f := range frames {
		if f.ackEliciting() {
			ackEliciting = true
			break
		}
	}
	if ackEliciting {
		c.rec.onPacketSent(&sentPacket{
			pn:           pn,
			sentAt:       now,
			size:         n,
			ackEliciting: true,
			frames:       frames,
		})
		if !c.ackElicitingSinceRecv {
			c.restartIdle(now)
			c.ackElicitingSinceRecv = true
		}
	}

	c.stats.Sent++
	c.stats.SentBytes += uint64(n)

	if c.closing != nil {
		c.closed = true
	}

	return n, engine.SendInfo{To: c.peerAddr, At: now, DiffServ: diffServ}, nil
}

// buildPayload packs frames into at most space bytes. A pending close frame
// replaces everything else.
func (c *Conn) buildPayload(space, packetSize int) (payload []byte, frames []frame, diffServ uint8) {
	if c.closing != nil {
		return c.closing.appendTo(nil), []frame{c.closing}, 0
	}

	if c.ackPending && len(c.recvRanges) > 0 {
		ack := &ackFrame{ranges: append([]pnRange(nil), c.recvRanges...)}
		payload = ack.appendTo(payload)
		frames = append(frames, ack)
		c.ackPending = false
	}

	if !c.rec.canSend(packetSize) {
		return
	}

	bestPriority := uint64(0)
	hasBlock := false
	notePriority := func(id uint64) {
		if s := c.sendStreams.get(id); s != nil && s.block != nil {
			if !hasBlock || s.block.Priority < bestPriority {
				bestPriority = s.block.Priority
				hasBlock = true
			}
		}
	}

	control := c.control[:0]
	for _, f := range c.control {
		if l := frameLen(f); len(payload)+l <= space {
			payload = f.appendTo(payload)
			frames = append(frames, f)
			if bf, ok := f.(*blockFrame); ok {
				notePriority(bf.streamID)
			}
		} else {
			control = append(control, f)
		}
	}
	c.control = control

	if c.established {
		for _, s := range c.sendStreams.ordered() {
			for {
				f := s.popFrame(space - len(payload))
				if f == nil {
					break
				}
				payload = f.appendTo(payload)
				frames = append(frames, f)
				notePriority(f.streamID)
			}
			if space-len(payload) <= streamFrameOverhead(s.id, 0, 0) {
				break
			}
		}
	}

	if hasBlock {
		diffServ = DiffServ(bestPriority)
	}
	return
}

// DiffServ maps a block priority to a DSCP value: expedited forwarding for
// priority 0, then assured forwarding classes 4 to 2, best effort otherwise.
func DiffServ(priority uint64) uint8 {
	switch priority {
	case 0:
		return 46
	case 1:
		return 34
	case 2:
		return 26
	case 3:
		return 18
	default:
		return 0
	}
}

// Timeout is the duration until the idle or the loss detection deadline.
func (c *Conn) Timeout() time.Duration {
	if c.closed {
		return 0
	}

	deadline := c.idleDeadline
	if d := c.rec.deadline(); !d.IsZero() && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if deadline.IsZero() {
		return 0
	}

	if t := deadline.Sub(c.cfg.now()); t > 0 {
		return t
	}
	return time.Nanosecond
}

func (c *Conn) OnTimeout() {
	if c.closed {
		return
	}

	now := c.cfg.now()
	if !c.idleDeadline.IsZero() && !now.Before(c.idleDeadline) {
		c.closed = true
		c.err = errIdleTimeout
		log.WithFields(c.logFields()).Debug("Connection idle timeout")
		return
	}

	lost, probe := c.rec.onTimeout(now)
	c.requeue(lost)
	if probe && len(c.control) == 0 && !c.sendStreams.hasPending() {
		c.control = append(c.control, pingFrame{})
	}
}

func (c *Conn) StreamSend(id uint64, b []byte, fin bool) (int, error) {
	return c.streamSend(id, b, fin, nil)
}

// BlockSend is StreamSend with block metadata. The deadline is interpreted
// in milliseconds from now.
func (c *Conn) BlockSend(id uint64, b []byte, fin bool, block engine.Block) (int, error) {
	return c.streamSend(id, b, fin, &block)
}

func (c *Conn) streamSend(id uint64, b []byte, fin bool, block *engine.Block) (int, error) {
	if c.closed || c.closing != nil {
		return 0, ErrClosed
	}
	if !c.established || c.peer == nil {
		return 0, ErrNotEstablished
	}

	s := c.sendStreams.get(id)
	if s == nil {
		if uint64(c.sendStreams.len()) >= c.peer.initialMaxStreams {
			return 0, ErrStreamLimit
		}
		s = c.sendStreams.create(id)
	}
	if s.fin {
		return 0, ErrStreamFinished
	}

	if block != nil && s.block == nil {
		now := c.cfg.now()
		s.block = block
		s.deadline = now.Add(time.Duration(block.Deadline) * time.Millisecond)
		c.control = append(c.control, &blockFrame{
			streamID: id,
			block:    *block,
			sentAt:   uint64(now.UnixMicro()),
		})
	}

	var capacity uint64
	if w := s.written(); w < c.peer.initialMaxStreamData {
		capacity = c.peer.initialMaxStreamData - w
	}
	if c.dataWritten >= c.peer.initialMaxData {
		capacity = 0
	} else if connCap := c.peer.initialMaxData - c.dataWritten; connCap < capacity {
		capacity = connCap
	}

	n := len(b)
	if uint64(n) > capacity {
		n = int(capacity)
	}
	if n == 0 && len(b) > 0 {
		return 0, engine.ErrDone
	}

	s.buf = append(s.buf, b[:n]...)
	c.dataWritten += uint64(n)
	if fin && n == len(b) {
		s.fin = true
	}
	if s.hasPending() {
		c.sendStreams.schedule(s)
	}
	return n, nil
}

// Readable returns the IDs of readable streams in ascending order.
func (c *Conn) Readable() (ids []uint64) {
	for id, s := range c.recvStreams {
		if s.readable() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return
}

func (c *Conn) StreamRecv(id uint64, b []byte) (int, bool, error) {
	s, ok := c.recvStreams[id]
	if !ok {
		return 0, false, engine.ErrDone
	}
	return s.read(b)
}

func (c *Conn) BlockInfo(id uint64) (engine.Block, bool) {
	if s, ok := c.recvStreams[id]; ok && s.block != nil {
		return *s.block, true
	}
	return engine.Block{}, false
}

func (c *Conn) BlockCompletionTime(id uint64) time.Duration {
	if s, ok := c.recvStreams[id]; ok {
		return s.completionTime()
	}
	return 0
}

func (c *Conn) Stats() engine.Stats {
	st := c.stats
	st.Lost = c.rec.lost
	st.RTT = c.rec.srtt
	st.Cwnd = c.rec.cwnd
	return st
}

// Close queues a CONNECTION_CLOSE frame. The connection is closed once it was
// sent.
func (c *Conn) Close(code uint64, reason string) error {
	if c.closed || c.closing != nil {
		return ErrClosed
	}
	c.closing = &closeFrame{code: ApplicationError + ErrorCode(code), reason: reason}
	return nil
}

func (c *Conn) closeWithError(err error) {
	var te *TransportError
	if !errors.As(err, &te) {
		te = newTransportError(InternalError, err.Error(), err)
	}

	log.WithFields(c.logFields()).WithError(err).Info("Closing connection after error")

	c.err = te
	if c.closing == nil && !c.closed {
		c.closing = &closeFrame{code: te.Code, reason: te.Reason}
	}
}
