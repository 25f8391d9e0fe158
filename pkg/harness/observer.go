// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"time"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

// EventType of an Event.
type EventType int

const (
	// Created connections passed the address validation.
	Created EventType = iota

	// Established connections completed their handshake and started sending.
	Established

	// Closed connections were retired.
	Closed
)

func (et EventType) String() string {
	switch et {
	case Created:
		return "created"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes an EventType by its name.
func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

// ConnectionInfo is a snapshot of a Record, safe to be passed to other
// goroutines.
type ConnectionInfo struct {
	ID      string       `json:"id"`
	Peer    string       `json:"peer"`
	Created time.Time    `json:"created"`
	Cursor  int          `json:"cursor"`
	Entries int          `json:"entries"`
	Stats   engine.Stats `json:"stats"`
}

func newConnectionInfo(rec *Record) ConnectionInfo {
	return ConnectionInfo{
		ID:      rec.ID.String(),
		Peer:    rec.Peer.String(),
		Created: rec.Created,
		Cursor:  rec.Cursor,
		Entries: len(rec.Trace),
		Stats:   rec.Conn.Stats(),
	}
}

// Event describes a connection's state change.
type Event struct {
	Type       EventType      `json:"type"`
	Time       time.Time      `json:"time"`
	Connection ConnectionInfo `json:"connection"`
}

// Observer is notified about Events. Observe is called from the Loop's
// goroutine and must not block.
type Observer interface {
	Observe(e Event)
}
