// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cli contains the command line and configuration handling shared by
// the dtptest binaries.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// Flags common to both binaries.
type Flags struct {
	LogFile    string
	OutputFile string

	// Verbosity is a logrus level between 0 (panic) and 6 (trace), or -1 if
	// it was not set.
	Verbosity int

	Color    bool
	DiffServ bool
	Streams  bool

	ConfigFile string

	// Args are the positional arguments.
	Args []string
}

// ParseFlags parses the arguments after the program name. Exactly one
// positional argument per name in positional is required.
func ParseFlags(program string, args []string, positional []string, output io.Writer) (*Flags, error) {
	f := &Flags{}

	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: %s [OPTIONS] %s\n\nOptions:\n", program, strings.Join(positional, " "))
		fs.PrintDefaults()
	}

	fs.StringVar(&f.LogFile, "l", "", "write logs to `FILE` instead of stderr")
	fs.StringVar(&f.OutputFile, "o", "", "write the output trace to `FILE`")
	fs.IntVar(&f.Verbosity, "v", -1, "log `LEVEL` from 0 (panic) to 6 (trace), default 4 (info)")
	fs.BoolVar(&f.Color, "c", false, "colorize log output")
	fs.BoolVar(&f.DiffServ, "d", false, "mark datagrams with DiffServ code points")
	fs.BoolVar(&f.Streams, "q", false, "send plain QUIC streams without block metadata")
	fs.StringVar(&f.ConfigFile, "config", "", "read the TOML configuration from `FILE`")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() != len(positional) {
		fs.Usage()
		return nil, fmt.Errorf("expected %d positional arguments, got %d", len(positional), fs.NArg())
	}
	if f.Verbosity > 6 {
		return nil, fmt.Errorf("verbosity %d is out of range", f.Verbosity)
	}

	f.Args = fs.Args()
	return f, nil
}
