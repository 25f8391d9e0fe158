// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cli

import (
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtptest-go/pkg/results"
)

// OutputSink builds the results.Sink from the output file flag and the
// Store-configuration block. If no output file is given, the output trace is
// written to stdout, if set.
func OutputSink(f *Flags, conf StoreConf, stdout io.Writer) (results.Sink, error) {
	var sinks results.Multi

	var w io.Writer
	if stdout != nil {
		// Hide a Close method; stdout stays open.
		w = struct{ io.Writer }{stdout}
	}
	if f.OutputFile != "" {
		file, err := os.Create(f.OutputFile)
		if err != nil {
			return nil, err
		}
		w = file
	}

	if w != nil {
		cw, err := results.NewCSVWriter(w)
		if err != nil {
			if closer, ok := w.(io.Closer); ok {
				_ = closer.Close()
			}
			return nil, err
		}
		sinks = append(sinks, cw)
	}

	if conf.Path != "" {
		run := conf.Run
		if run == "" {
			run = time.Now().Format(time.RFC3339)
		}

		store, err := results.NewStore(conf.Path, run)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, store)

		log.WithFields(log.Fields{
			"path": conf.Path,
			"run":  run,
		}).Info("Storing results")
	}

	switch len(sinks) {
	case 0:
		return results.Discard, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}
