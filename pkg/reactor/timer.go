// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot timer executed on its Loop's goroutine. Its methods
// must only be called from callbacks of the same Loop or before Run.
type Timer struct {
	loop *Loop
	cb   func()

	when time.Time
	seq  uint64

	// index within the heap or -1 if not armed.
	index int
}

// Reset arms the timer to fire after d, replacing any previous deadline. A
// non-positive d fires on the next loop iteration.
func (t *Timer) Reset(d time.Duration) {
	if d < 0 {
		d = 0
	}

	t.when = time.Now().Add(d)
	t.seq = t.loop.nextSeq()

	if t.index >= 0 {
		heap.Fix(&t.loop.timers, t.index)
	} else {
		heap.Push(&t.loop.timers, t)
	}
}

// Stop disarms the timer. A stopped timer never runs its callback until it
// is Reset again.
func (t *Timer) Stop() {
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
}

// Active reports if the timer is armed.
func (t *Timer) Active() bool {
	return t.index >= 0
}

// timerHeap orders timers by deadline, then by arming order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
