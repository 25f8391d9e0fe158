// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package reactor provides a single goroutine event loop dispatching timer,
// readability and posted events. All callbacks run sequentially on the
// goroutine calling Run, so state touched only by callbacks needs no locking.
package reactor

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Loop is the event loop. Create it with New.
type Loop struct {
	timers timerHeap
	seq    uint64

	readable   <-chan struct{}
	onReadable func()

	postMutex sync.Mutex
	posted    []func()
	wake      chan struct{}

	breakOnce sync.Once
	breakChan chan struct{}
}

// New creates an idle Loop.
func New() *Loop {
	return &Loop{
		wake:      make(chan struct{}, 1),
		breakChan: make(chan struct{}),
	}
}

func (l *Loop) nextSeq() uint64 {
	l.seq++
	return l.seq
}

// NewTimer creates a disarmed Timer calling cb on expiry.
func (l *Loop) NewTimer(cb func()) *Timer {
	return &Timer{loop: l, cb: cb, index: -1}
}

// WatchReadable calls cb whenever ch delivers a value. Only one channel can
// be watched; a later call replaces the former. Must be called before Run or
// from a callback.
func (l *Loop) WatchReadable(ch <-chan struct{}, cb func()) {
	l.readable = ch
	l.onReadable = cb
}

// Post schedules fn to be executed on the loop. It is safe to be called from
// any goroutine and never blocks.
func (l *Loop) Post(fn func()) {
	l.postMutex.Lock()
	l.posted = append(l.posted, fn)
	l.postMutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Break makes Run return after the current callback. It is safe to be called
// from any goroutine, multiple times.
func (l *Loop) Break() {
	l.breakOnce.Do(func() {
		close(l.breakChan)
	})
}

func (l *Loop) broken() bool {
	select {
	case <-l.breakChan:
		return true
	default:
		return false
	}
}

// runTimers executes all timers due at the start of this call. Timers armed
// by these callbacks wait for the next pass.
func (l *Loop) runTimers() {
	now := time.Now()
	limit := l.seq

	for len(l.timers) > 0 && !l.broken() {
		t := l.timers[0]
		if t.when.After(now) || t.seq > limit {
			return
		}

		heap.Pop(&l.timers)
		t.cb()
	}
}

func (l *Loop) runPosted() {
	l.postMutex.Lock()
	posted := l.posted
	l.posted = nil
	l.postMutex.Unlock()

	for _, fn := range posted {
		if l.broken() {
			return
		}
		fn()
	}
}

// Run dispatches events until Break is called or ctx is done. In the latter
// case, the context's error is returned.
func (l *Loop) Run(ctx context.Context) error {
	wait := time.NewTimer(time.Hour)
	defer wait.Stop()

	for {
		l.runTimers()
		if l.broken() {
			return nil
		}

		var waitChan <-chan time.Time
		if len(l.timers) > 0 {
			d := time.Until(l.timers[0].when)
			if d <= 0 {
				d = 0
			}
			if !wait.Stop() {
				select {
				case <-wait.C:
				default:
				}
			}
			wait.Reset(d)
			waitChan = wait.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-l.breakChan:
			return nil

		case <-l.wake:
			l.runPosted()

		case _, ok := <-l.readable:
			if !ok {
				l.readable = nil
				continue
			}
			l.onReadable()

		case <-waitChan:
		}
	}
}
