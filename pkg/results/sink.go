// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package results

import (
	"github.com/hashicorp/go-multierror"
)

// Sink consumes records.
type Sink interface {
	WriteBlock(br BlockRecord) error
	WriteConnection(cr ConnectionRecord) error
	Close() error
}

// Discard is a Sink dropping everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) WriteBlock(BlockRecord) error           { return nil }
func (discard) WriteConnection(ConnectionRecord) error { return nil }
func (discard) Close() error                           { return nil }

// Multi passes each record to all of its Sinks. Errors of the single Sinks
// are collected; a failing Sink does not stop the others.
type Multi []Sink

// WriteBlock to all Sinks.
func (m Multi) WriteBlock(br BlockRecord) (errs error) {
	for _, s := range m {
		if err := s.WriteBlock(br); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// WriteConnection to all Sinks.
func (m Multi) WriteConnection(cr ConnectionRecord) (errs error) {
	for _, s := range m {
		if err := s.WriteConnection(cr); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// Close all Sinks.
func (m Multi) Close() (errs error) {
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}
