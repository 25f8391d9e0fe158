// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the standard logger. Flags take precedence over
// the configuration. The returned io.Closer closes the log file, if any.
func SetupLogging(conf LogConf, f *Flags) (io.Closer, error) {
	level := log.InfoLevel
	if f.Verbosity >= 0 {
		level = log.Level(f.Verbosity)
	} else if conf.Level != "" {
		lvl, err := log.ParseLevel(conf.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		level = lvl
	}
	log.SetLevel(level)

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			ForceColors:     f.Color,
			DisableColors:   !f.Color,
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		return nil, fmt.Errorf("unknown logging.format %q", conf.Format)
	}

	if f.LogFile == "" {
		return nopCloser{}, nil
	}

	file, err := os.OpenFile(f.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(file)
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
