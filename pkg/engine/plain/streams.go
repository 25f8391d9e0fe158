// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"math"
	"sort"
	"time"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

// sendStream buffers data written by the application until it is packed
// into STREAM frames.
type sendStream struct {
	id uint64

	// buf holds unsent data starting at offset.
	buf    []byte
	offset uint64

	fin     bool
	finSent bool

	// retrans are lost frames, sent before any new data.
	retrans []*streamFrame

	block    *engine.Block
	deadline time.Time
}

func (s *sendStream) priority() uint64 {
	if s.block == nil {
		return math.MaxUint64
	}
	return s.block.Priority
}

func (s *sendStream) hasPending() bool {
	return len(s.retrans) > 0 || len(s.buf) > 0 || (s.fin && !s.finSent)
}

// written is the total amount of data accepted by this stream.
func (s *sendStream) written() uint64 {
	return s.offset + uint64(len(s.buf))
}

// popFrame returns the next frame of at most space bytes, or nil.
func (s *sendStream) popFrame(space int) *streamFrame {
	if len(s.retrans) > 0 {
		head, tail := s.retrans[0].split(space)
		if head == nil {
			return nil
		}
		if tail != nil {
			s.retrans[0] = tail
		} else {
			s.retrans = s.retrans[1:]
		}
		return head
	}

	if len(s.buf) == 0 && !(s.fin && !s.finSent) {
		return nil
	}

	n := space - streamFrameOverhead(s.id, s.offset, len(s.buf))
	if n < 0 || (n == 0 && len(s.buf) > 0) {
		return nil
	}
	if n > len(s.buf) {
		n = len(s.buf)
	}

	f := &streamFrame{
		streamID: s.id,
		offset:   s.offset,
		data:     s.buf[:n:n],
	}
	s.buf = s.buf[n:]
	s.offset += uint64(n)

	if len(s.buf) == 0 && s.fin {
		f.fin = true
		s.finSent = true
	}
	return f
}

// sendStreams orders pending streams by priority, deadline, and ID.
type sendStreams struct {
	streams map[uint64]*sendStream
	pending []*sendStream
}

func newSendStreams() *sendStreams {
	return &sendStreams{streams: make(map[uint64]*sendStream)}
}

func (ss *sendStreams) get(id uint64) *sendStream {
	return ss.streams[id]
}

func (ss *sendStreams) create(id uint64) *sendStream {
	s := &sendStream{id: id}
	ss.streams[id] = s
	return s
}

func (ss *sendStreams) len() int {
	return len(ss.streams)
}

// schedule marks a stream as having pending data.
func (ss *sendStreams) schedule(s *sendStream) {
	for _, p := range ss.pending {
		if p == s {
			return
		}
	}
	ss.pending = append(ss.pending, s)
}

func (ss *sendStreams) hasPending() bool {
	return len(ss.pending) > 0
}

// ordered returns the pending streams in sending order, dropping drained ones.
func (ss *sendStreams) ordered() []*sendStream {
	pending := ss.pending[:0]
	for _, s := range ss.pending {
		if s.hasPending() {
			pending = append(pending, s)
		}
	}
	ss.pending = pending

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.priority() != b.priority() {
			return a.priority() < b.priority()
		}
		if !a.deadline.Equal(b.deadline) {
			return a.deadline.Before(b.deadline)
		}
		return a.id < b.id
	})
	return pending
}

// recvStream reassembles received STREAM frames.
type recvStream struct {
	id uint64

	// assembled is contiguous data not yet read by the application; it ends
	// at recvOffset.
	assembled  []byte
	recvOffset uint64
	pending    map[uint64][]byte

	finalSize uint64
	finKnown  bool
	finRead   bool

	completedAt time.Time

	block  *engine.Block
	sentAt time.Time
}

func newRecvStream(id uint64) *recvStream {
	return &recvStream{id: id, pending: make(map[uint64][]byte)}
}

func (s *recvStream) complete() bool {
	return s.finKnown && s.recvOffset == s.finalSize
}

func (s *recvStream) onFrame(f *streamFrame, now time.Time) {
	end := f.offset + uint64(len(f.data))
	if f.fin && !s.finKnown {
		s.finKnown = true
		s.finalSize = end
	}

	if end > s.recvOffset {
		if f.offset <= s.recvOffset {
			s.assembled = append(s.assembled, f.data[s.recvOffset-f.offset:]...)
			s.recvOffset = end
			s.drainPending()
		} else if old, ok := s.pending[f.offset]; !ok || len(old) < len(f.data) {
			s.pending[f.offset] = f.data
		}
	}

	if s.complete() && s.completedAt.IsZero() {
		s.completedAt = now
	}
}

func (s *recvStream) drainPending() {
	for progress := true; progress; {
		progress = false
		for off, data := range s.pending {
			if off > s.recvOffset {
				continue
			}
			if end := off + uint64(len(data)); end > s.recvOffset {
				s.assembled = append(s.assembled, data[s.recvOffset-off:]...)
				s.recvOffset = end
			}
			delete(s.pending, off)
			progress = true
		}
	}
}

func (s *recvStream) readable() bool {
	return len(s.assembled) > 0 || (s.complete() && !s.finRead)
}

func (s *recvStream) read(b []byte) (n int, fin bool, err error) {
	if !s.readable() {
		return 0, false, engine.ErrDone
	}

	n = copy(b, s.assembled)
	s.assembled = s.assembled[n:]
	if len(s.assembled) == 0 {
		s.assembled = nil
		if s.complete() {
			s.finRead = true
			fin = true
		}
	}
	return
}

// completionTime is the duration between the sender's block timestamp and
// the complete reception of the block, or zero if unknown.
func (s *recvStream) completionTime() time.Duration {
	if s.block == nil || s.completedAt.IsZero() {
		return 0
	}
	if d := s.completedAt.Sub(s.sentAt); d > 0 {
		return d
	}
	return 0
}
