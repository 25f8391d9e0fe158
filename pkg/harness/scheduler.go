// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
	"github.com/dtn7/dtptest-go/pkg/trace"
)

// Scheduler sends the Entries of a Record's trace as blocks, each after its
// send time gap.
type Scheduler struct {
	pump *Pump

	// streams sends plain QUIC streams without block metadata.
	streams bool

	filler []byte
}

// NewScheduler flushing each sent block with pump. If streams is set, blocks
// are sent as plain streams.
func NewScheduler(pump *Pump, streams bool) *Scheduler {
	return &Scheduler{
		pump:    pump,
		streams: streams,
	}
}

// Start the schedule of an established connection by arming its scheduler
// timer with the first Entry's gap. Records not awaiting establishment are
// left untouched.
func (s *Scheduler) Start(rec *Record) {
	if rec.Cursor != AwaitingEstablished || len(rec.Trace) == 0 {
		return
	}

	rec.Cursor = 0
	rec.sender.Reset(rec.Trace[0].Gap())

	log.WithFields(log.Fields{
		"conn":    rec.ID,
		"entries": len(rec.Trace),
	}).Info("Connection established, starting schedule")
}

// Tick sends the current Entry, advances the cursor and re-arms the timer
// with the next Entry's gap. Egress is always flushed, even if nothing is
// left to send.
func (s *Scheduler) Tick(rec *Record) {
	if rec.Sending() {
		s.send(rec)

		rec.Cursor++
		if rec.Done() {
			rec.sender.Stop()
			log.WithField("conn", rec.ID).Info("Sent all blocks of the trace")
		} else {
			rec.sender.Reset(rec.Trace[rec.Cursor].Gap())
		}
	}

	s.pump.Flush(rec)
}

func (s *Scheduler) send(rec *Record) {
	entry := rec.Trace[rec.Cursor]
	id := trace.StreamID(rec.Cursor)
	payload := s.payload(entry.Size)

	var n int
	var err error
	if s.streams {
		n, err = rec.Conn.StreamSend(id, payload, true)
	} else {
		n, err = rec.Conn.BlockSend(id, payload, true, engine.Block{
			Size:     uint64(len(payload)),
			Priority: entry.Priority,
			Deadline: entry.Deadline,
		})
	}

	logger := log.WithFields(log.Fields{
		"conn":     rec.ID,
		"stream":   id,
		"size":     entry.Size,
		"priority": entry.Priority,
		"deadline": entry.Deadline,
	})

	if err != nil {
		logger.WithError(err).Warn("Sending block failed")
	} else if uint64(n) != entry.Size {
		logger.WithField("sent", n).Warn("Sending block was short")
	} else {
		logger.Debug("Sent block")
	}
}

// payload returns size bytes of filler, at most trace.MaxBlockSize.
func (s *Scheduler) payload(size uint64) []byte {
	if size > trace.MaxBlockSize {
		size = trace.MaxBlockSize
	}
	if uint64(len(s.filler)) < size {
		s.filler = make([]byte, size)
		for i := range s.filler {
			s.filler[i] = byte('a' + i%26)
		}
	}
	return s.filler[:size]
}
