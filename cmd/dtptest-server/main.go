// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"

	"github.com/dtn7/dtptest-go/cmd/internal/cli"
)

// waitSigint blocks the current thread until a SIGINT or SIGTERM appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	f, err := cli.ParseFlags(os.Args[0], os.Args[1:], []string{"SERVER_IP", "PORT", "TRACE_FILE"}, os.Stderr)
	if err != nil {
		log.WithError(err).Fatal("Failed to parse arguments")
	}

	s, err := parseServer(f)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up server")
	}

	if s.profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitSigint()
		cancel()
	}()

	if err := s.server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Server errored")
	}
	log.Info("Shutting down..")

	if err := s.Close(); err != nil {
		log.WithError(err).Warn("Closing server errored")
	}
}
