// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"

	"github.com/dtn7/dtptest-go/pkg/engine/plain"
)

// LogConf describes the Logging-configuration block.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// EngineConf describes the Engine-configuration block. Zero values keep the
// defaults.
type EngineConf struct {
	IdleTimeout            string `toml:"idle-timeout"`
	MaxDatagramSize        int    `toml:"max-datagram-size"`
	InitialMaxData         uint64 `toml:"initial-max-data"`
	InitialMaxStreamData   uint64 `toml:"initial-max-stream-data"`
	InitialMaxStreams      uint64 `toml:"initial-max-streams"`
	DisableActiveMigration *bool  `toml:"disable-active-migration"`
	CongestionControl      string `toml:"congestion-control"`

	// Version is "v1", "v2", or "grease" for a version negotiation first.
	Version string
}

// PacingConf describes the Pacing-configuration block.
type PacingConf struct {
	Interval string
}

// StoreConf describes the Store-configuration block. Results are only
// stored if a Path is set.
type StoreConf struct {
	Path string
	Run  string
}

// StatusConf describes the server's Status-configuration block. The status
// API is only started if Listen is set.
type StatusConf struct {
	Listen    string
	WebSocket bool `toml:"websocket"`
}

// TLSConf describes the server's TLS-configuration block. Without a
// certificate, a self-signed one is generated.
type TLSConf struct {
	Cert string
	Key  string
}

// Config is the TOML configuration. Blocks unknown to a binary are ignored.
type Config struct {
	Logging LogConf
	Engine  EngineConf
	Pacing  PacingConf
	Store   StoreConf
	Status  StatusConf
	TLS     TLSConf `toml:"tls"`
	Profile bool
}

// LoadConfig decodes a TOML file. An empty filename results in an empty
// Config.
func LoadConfig(filename string) (conf Config, err error) {
	if filename == "" {
		return
	}

	_, err = toml.DecodeFile(filename, &conf)
	return
}

func parseVersion(name string) (quic.Version, error) {
	switch strings.ToLower(name) {
	case "v1", "1":
		return quic.Version1, nil
	case "v2", "2":
		return quic.Version2, nil
	case "grease":
		return plain.GreaseVersion, nil
	default:
		return 0, fmt.Errorf("unknown version %q", name)
	}
}

// EngineConfig applies the EngineConf on top of base. All problems are
// returned together.
func EngineConfig(conf EngineConf, base plain.Config) (cfg plain.Config, errs error) {
	cfg = base

	if conf.IdleTimeout != "" {
		if d, err := time.ParseDuration(conf.IdleTimeout); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("engine.idle-timeout: %w", err))
		} else {
			cfg.IdleTimeout = d
		}
	}

	if conf.MaxDatagramSize != 0 {
		cfg.MaxDatagramSize = conf.MaxDatagramSize
	}
	if conf.InitialMaxData != 0 {
		cfg.InitialMaxData = conf.InitialMaxData
	}
	if conf.InitialMaxStreamData != 0 {
		cfg.InitialMaxStreamData = conf.InitialMaxStreamData
	}
	if conf.InitialMaxStreams != 0 {
		cfg.InitialMaxStreams = conf.InitialMaxStreams
	}
	if conf.DisableActiveMigration != nil {
		cfg.DisableActiveMigration = *conf.DisableActiveMigration
	}
	if conf.CongestionControl != "" {
		cfg.CongestionControl = conf.CongestionControl
	}

	if conf.Version != "" {
		if v, err := parseVersion(conf.Version); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("engine.version: %w", err))
		} else {
			cfg.Version = v
		}
	}

	if err := cfg.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return
}

// Pacing returns the configured pacing interval or zero for the default.
func Pacing(conf PacingConf) (time.Duration, error) {
	if conf.Interval == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(conf.Interval)
	if err != nil {
		return 0, fmt.Errorf("pacing.interval: %w", err)
	} else if d <= 0 {
		return 0, fmt.Errorf("pacing.interval must be positive, not %v", d)
	}
	return d, nil
}
