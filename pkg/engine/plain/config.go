// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
)

const (
	// MaxDatagramSize is the default size of outgoing datagrams.
	MaxDatagramSize = 1350

	// minInitialSize is the size client Initial packets are padded to.
	minInitialSize = 1200

	// GreaseVersion is a reserved version which is never supported. A client
	// starting with it provokes a version negotiation.
	GreaseVersion quic.Version = 0xbabababa
)

// CongestionControl algorithm names.
const (
	CongestionReno = "reno"
	CongestionNone = "none"
)

// Config of an Engine and all of its connections.
type Config struct {
	// Version is used for new client connections.
	Version quic.Version

	// IdleTimeout closes a connection without activity. Zero disables it.
	IdleTimeout time.Duration

	// MaxDatagramSize limits outgoing datagrams and is announced as the
	// maximum UDP payload this endpoint accepts.
	MaxDatagramSize int

	InitialMaxData       uint64
	InitialMaxStreamData uint64
	InitialMaxStreams    uint64

	// DisableActiveMigration ignores peer address changes.
	DisableActiveMigration bool

	// CongestionControl is either "reno" or "none".
	CongestionControl string

	// Certificate is sent by servers in their HELLO. It is not verified.
	Certificate *tls.Certificate

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the configuration used by the dtptest binaries.
func DefaultConfig() Config {
	return Config{
		Version:                quic.Version1,
		IdleTimeout:            5 * time.Second,
		MaxDatagramSize:        MaxDatagramSize,
		InitialMaxData:         1000000000,
		InitialMaxStreamData:   10000000,
		InitialMaxStreams:      40000,
		DisableActiveMigration: false,
		CongestionControl:      CongestionReno,
		Now:                    time.Now,
	}
}

// CheckValid returns all problems of this Config, combined in a
// multierror.Error, or nil.
func (c Config) CheckValid() (errs error) {
	if c.IdleTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("negative idle timeout %v", c.IdleTimeout))
	}

	if c.MaxDatagramSize < minInitialSize {
		errs = multierror.Append(errs,
			fmt.Errorf("max datagram size %d is below %d", c.MaxDatagramSize, minInitialSize))
	}

	if c.InitialMaxStreams == 0 {
		errs = multierror.Append(errs, fmt.Errorf("initial max streams must not be zero"))
	}

	switch c.CongestionControl {
	case CongestionReno, CongestionNone:
	default:
		errs = multierror.Append(errs,
			fmt.Errorf("unknown congestion control %q", c.CongestionControl))
	}

	if c.Version != GreaseVersion && !isSupported(c.Version) {
		errs = multierror.Append(errs, fmt.Errorf("unsupported version %v", c.Version))
	}

	return
}

func (c Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
