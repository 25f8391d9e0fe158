// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/engine"
	"github.com/dtn7/dtptest-go/pkg/reactor"
	"github.com/dtn7/dtptest-go/pkg/trace"
)

var (
	// ErrDuplicateID is returned when creating a Record for a known ID.
	ErrDuplicateID = errors.New("connection ID is already registered")

	// ErrInvalidID is returned for IDs not being LocalConnIDLen bytes long.
	ErrInvalidID = errors.New("connection ID has an invalid length")

	// ErrTraceLoadFailed wraps the trace.Source's error.
	ErrTraceLoadFailed = errors.New("loading the trace failed")

	// ErrEngineRejected wraps the engine's error on accepting a connection.
	ErrEngineRejected = errors.New("engine rejected the connection")
)

// Callbacks are executed on the expiry of a Record's timers. Nil callbacks
// are skipped.
type Callbacks struct {
	Idle func(*Record)
	Pace func(*Record)
	Send func(*Record)
}

// Registry maps connection IDs to Records. It must only be used from the
// Loop's goroutine.
type Registry struct {
	loop      *reactor.Loop
	engine    engine.Engine
	traces    trace.Source
	callbacks Callbacks

	records map[string]*Record
}

// NewRegistry for Records whose timers run on loop. Accepted connections are
// created by eng and scheduled according to the traces.
func NewRegistry(loop *reactor.Loop, eng engine.Engine, traces trace.Source, callbacks Callbacks) *Registry {
	return &Registry{
		loop:      loop,
		engine:    eng,
		traces:    traces,
		callbacks: callbacks,
		records:   make(map[string]*Record),
	}
}

// Create a Record for a validated peer. The trace is loaded before the
// engine accepts the connection, so a failure leaves nothing behind.
func (reg *Registry) Create(id, odcid engine.ConnectionID, peer net.Addr) (*Record, error) {
	if err := reg.checkID(id); err != nil {
		return nil, err
	}

	entries, err := reg.traces.Entries()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTraceLoadFailed, err)
	}

	conn, err := reg.engine.Accept(id, odcid, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineRejected, err)
	}

	rec := reg.add(id, peer, conn)
	rec.Trace = entries

	log.WithFields(log.Fields{
		"conn":    id,
		"odcid":   odcid,
		"peer":    peer,
		"entries": len(entries),
	}).Info("Registered new connection")

	return rec, nil
}

// Attach registers a connection created outside of the Registry, e.g., a
// client connection. Its Record has an empty trace.
func (reg *Registry) Attach(id engine.ConnectionID, peer net.Addr, conn engine.Conn) (*Record, error) {
	if err := reg.checkID(id); err != nil {
		return nil, err
	}

	rec := reg.add(id, peer, conn)

	log.WithFields(log.Fields{
		"conn": id,
		"peer": peer,
	}).Debug("Attached connection")

	return rec, nil
}

func (reg *Registry) checkID(id engine.ConnectionID) error {
	if len(id) != LocalConnIDLen {
		return fmt.Errorf("%w: %d bytes", ErrInvalidID, len(id))
	}
	if _, ok := reg.records[string(id)]; ok {
		return ErrDuplicateID
	}
	return nil
}

func (reg *Registry) add(id engine.ConnectionID, peer net.Addr, conn engine.Conn) *Record {
	rec := &Record{
		ID:      append(engine.ConnectionID(nil), id...),
		Peer:    peer,
		Conn:    conn,
		Cursor:  AwaitingEstablished,
		Created: time.Now(),
	}

	rec.idle = reg.loop.NewTimer(reg.callback(reg.callbacks.Idle, rec))
	rec.pacer = reg.loop.NewTimer(reg.callback(reg.callbacks.Pace, rec))
	rec.sender = reg.loop.NewTimer(reg.callback(reg.callbacks.Send, rec))

	reg.records[string(rec.ID)] = rec
	return rec
}

func (reg *Registry) callback(cb func(*Record), rec *Record) func() {
	return func() {
		if cb != nil {
			cb(rec)
		}
	}
}

// Find the Record for an ID.
func (reg *Registry) Find(id engine.ConnectionID) (rec *Record, ok bool) {
	rec, ok = reg.records[string(id)]
	return
}

// Delete a Record. Its timers are stopped first and will never fire again.
func (reg *Registry) Delete(id engine.ConnectionID) {
	rec, ok := reg.records[string(id)]
	if !ok {
		return
	}

	rec.stopTimers()
	delete(reg.records, string(id))

	log.WithField("conn", id).Debug("Deleted connection")
}

// Each calls fn for all Records. fn might delete Records; deleted Records
// are skipped.
func (reg *Registry) Each(fn func(*Record)) {
	recs := make([]*Record, 0, len(reg.records))
	for _, rec := range reg.records {
		recs = append(recs, rec)
	}

	for _, rec := range recs {
		if cur, ok := reg.records[string(rec.ID)]; ok && cur == rec {
			fn(rec)
		}
	}
}

// Len is the number of registered Records.
func (reg *Registry) Len() int {
	return len(reg.records)
}
