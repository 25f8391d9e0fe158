// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"

	"github.com/dtn7/dtptest-go/cmd/internal/cli"
)

func main() {
	f, err := cli.ParseFlags(os.Args[0], os.Args[1:], []string{"SERVER_IP", "PORT"}, os.Stderr)
	if err != nil {
		log.WithError(err).Fatal("Failed to parse arguments")
	}

	s, err := parseClient(f)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up client")
	}

	if s.profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := s.client.Run(ctx)

	summary := s.client.Summary()
	log.WithFields(log.Fields{
		"blocks":        summary.Blocks,
		"payload-bytes": summary.PayloadBytes,
		"udp-bytes":     summary.UDPBytes,
		"goodput":       summary.Goodput(),
	}).Info("Client finished")

	if err := s.Close(); err != nil {
		log.WithError(err).Warn("Closing client errored")
	}

	if runErr != nil {
		log.WithError(runErr).Error("Client was interrupted")
		stop()
		os.Exit(1)
	}
}
