// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package trace

import (
	"fmt"
	"time"
)

// Entry is one row of a trace, describing a single block to be sent.
type Entry struct {
	// SendTimeGap is the time in seconds to wait after the previous entry was
	// sent before this entry is sent.
	SendTimeGap float64

	// Deadline is handed to the engine unchanged, in the engine's units.
	Deadline uint64

	// Size of the block in bytes. The payload is filler.
	Size uint64

	// Priority is handed to the engine unchanged.
	Priority uint64
}

// Gap returns the SendTimeGap as a time.Duration. Negative gaps become zero.
func (e Entry) Gap() time.Duration {
	if e.SendTimeGap <= 0 {
		return 0
	}
	return time.Duration(e.SendTimeGap * float64(time.Second))
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry(gap=%gs, deadline=%d, size=%d, priority=%d)",
		e.SendTimeGap, e.Deadline, e.Size, e.Priority)
}

// StreamID derives the application identifier for the entry at the given
// cursor position. Successive positions map to successive odd identifiers
// 5, 9, 13, ..., independent of the engine's own allocation.
func StreamID(cursor int) uint64 {
	return 4*uint64(cursor+1) + 1
}
