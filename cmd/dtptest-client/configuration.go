// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"io"
	"net"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/dtptest-go/cmd/internal/cli"
	"github.com/dtn7/dtptest-go/pkg/engine/plain"
	"github.com/dtn7/dtptest-go/pkg/harness"
	"github.com/dtn7/dtptest-go/pkg/udp"
)

// clientSetup bundles the Client and everything to be closed afterwards.
type clientSetup struct {
	client    *harness.Client
	profiling bool

	closers []io.Closer
}

// Close everything in reverse order of creation.
func (s *clientSetup) Close() (errs error) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// parseEngine creates the client's engine. Clients start with a reserved
// version to provoke a version negotiation and never migrate.
func parseEngine(conf cli.Config) (*plain.Engine, error) {
	base := plain.DefaultConfig()
	base.Version = plain.GreaseVersion
	base.DisableActiveMigration = true

	cfg, err := cli.EngineConfig(conf.Engine, base)
	if err != nil {
		return nil, err
	}
	return plain.NewEngine(cfg)
}

// localAddress to bind to for the peer's address family.
func localAddress(peer *net.UDPAddr) (network, address string) {
	if peer.IP.To4() != nil {
		return "udp4", "0.0.0.0:0"
	}
	return "udp6", "[::]:0"
}

// parseClient creates the Client based on the flags and the optional TOML
// configuration.
func parseClient(f *cli.Flags) (s *clientSetup, err error) {
	s = &clientSetup{}
	defer func() {
		if err != nil {
			_ = s.Close()
			s = nil
		}
	}()

	conf, err := cli.LoadConfig(f.ConfigFile)
	if err != nil {
		return
	}
	s.profiling = conf.Profile

	logFile, err := cli.SetupLogging(conf.Logging, f)
	if err != nil {
		return
	}
	s.closers = append(s.closers, logFile)

	pacing, err := cli.Pacing(conf.Pacing)
	if err != nil {
		return
	}

	eng, err := parseEngine(conf)
	if err != nil {
		return
	}

	peer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(f.Args[0], f.Args[1]))
	if err != nil {
		return
	}

	sink, err := cli.OutputSink(f, conf.Store, os.Stdout)
	if err != nil {
		return
	}
	s.closers = append(s.closers, sink)

	socket, err := udp.Listen(localAddress(peer))
	if err != nil {
		return
	}
	s.closers = append(s.closers, socket)

	s.client, err = harness.NewClient(harness.ClientConfig{
		Socket:     socket,
		Engine:     eng,
		ServerName: f.Args[0],
		Peer:       peer,
		Sink:       sink,
		DiffServ:   f.DiffServ,
		Pacing:     pacing,
	})
	return
}
