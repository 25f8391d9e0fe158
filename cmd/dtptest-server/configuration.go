// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/dtptest-go/cmd/internal/cli"
	"github.com/dtn7/dtptest-go/pkg/engine/plain"
	"github.com/dtn7/dtptest-go/pkg/harness"
	"github.com/dtn7/dtptest-go/pkg/status"
	"github.com/dtn7/dtptest-go/pkg/trace"
	"github.com/dtn7/dtptest-go/pkg/udp"
)

// serverSetup bundles the Server and everything to be closed afterwards.
type serverSetup struct {
	server    *harness.Server
	profiling bool

	closers []io.Closer
	hub     *status.Hub
	httpSrv *http.Server
}

// Close everything in reverse order of creation.
func (s *serverSetup) Close() (errs error) {
	if s.httpSrv != nil {
		if err := s.httpSrv.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// parseCertificate loads the configured certificate or generates one.
func parseCertificate(conf cli.TLSConf) (*tls.Certificate, error) {
	switch {
	case conf.Cert != "" && conf.Key != "":
		return plain.LoadCertificate(conf.Cert, conf.Key)

	case conf.Cert != "" || conf.Key != "":
		return nil, errors.New("tls.cert and tls.key must be set together")

	default:
		log.Info("No certificate configured, generating a self-signed one")
		return plain.GenerateSelfSignedCertificate("dtptest-server")
	}
}

// parseEngine creates the server's engine.
func parseEngine(conf cli.Config) (*plain.Engine, error) {
	base := plain.DefaultConfig()
	base.CongestionControl = plain.CongestionReno

	cfg, err := cli.EngineConfig(conf.Engine, base)
	if err != nil {
		return nil, err
	}

	if cfg.Certificate, err = parseCertificate(conf.TLS); err != nil {
		return nil, err
	}

	return plain.NewEngine(cfg)
}

// parseStatus starts the status API, if configured.
func parseStatus(s *serverSetup, conf cli.StatusConf) {
	router := mux.NewRouter()
	status.NewAPI(router, s.server, s.hub)

	s.httpSrv = &http.Server{
		Addr:    conf.Listen,
		Handler: router,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("listen", conf.Listen).Warn("Status API errored")
		}
	}()

	log.WithFields(log.Fields{
		"listen":    conf.Listen,
		"websocket": s.hub != nil,
	}).Info("Started status API")
}

// parseServer creates the Server based on the flags and the optional TOML
// configuration.
func parseServer(f *cli.Flags) (s *serverSetup, err error) {
	s = &serverSetup{}
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

	traces, err := trace.NewCache(f.Args[2])
	if err != nil {
		return
	}
	s.closers = append(s.closers, traces)

	if entries, traceErr := traces.Entries(); traceErr != nil {
		log.WithError(traceErr).WithField("trace", f.Args[2]).Warn("Trace cannot be loaded yet")
	} else {
		log.WithFields(log.Fields{
			"trace":   f.Args[2],
			"entries": len(entries),
		}).Info("Loaded trace")
	}

	sink, err := cli.OutputSink(f, conf.Store, nil)
	if err != nil {
		return
	}
	s.closers = append(s.closers, sink)

	socket, err := udp.Listen("udp", net.JoinHostPort(f.Args[0], f.Args[1]))
	if err != nil {
		return
	}
	s.closers = append(s.closers, socket)

	var observer harness.Observer
	if conf.Status.Listen != "" && conf.Status.WebSocket {
		s.hub = status.NewHub()
		observer = s.hub
	}

	s.server, err = harness.NewServer(harness.ServerConfig{
		Socket:   socket,
		Engine:   eng,
		Traces:   traces,
		Sink:     sink,
		Observer: observer,
		DiffServ: f.DiffServ,
		Streams:  f.Streams,
		Pacing:   pacing,
	})
	if err != nil {
		return
	}

	if conf.Status.Listen != "" {
		parseStatus(s, conf.Status)
	}
	return
}
