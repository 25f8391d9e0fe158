// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ulikunitz/xz"
)

// MaxEntries is the upper bound of rows read from a single trace.
const MaxEntries = 40000

// MaxBlockSize is the largest block size a row may declare.
const MaxBlockSize = 10000000

var (
	// ErrEmpty is returned if a trace could be read but contained no usable row.
	ErrEmpty = errors.New("trace contains no entries")

	errInvalidGap  = errors.New("send time gap is not finite")
	errInvalidSize = fmt.Errorf("block size exceeds %d bytes", MaxBlockSize)
)

// Parse reads entries from r until the first malformed row, EOF, or
// MaxEntries rows. Fields are whitespace separated; line breaks carry no
// meaning beyond separating fields.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)

	var (
		entries []Entry
		fields  [4]string
	)

	for len(entries) < MaxEntries {
		for i := range fields {
			if !scanner.Scan() {
				return entries, scanner.Err()
			}
			fields[i] = scanner.Text()
		}

		e, err := parseRow(fields)
		if err != nil {
			log.WithFields(log.Fields{
				"row":   len(entries),
				"error": err,
			}).Warn("Stopping trace parsing at malformed row")
			return entries, nil
		}

		entries = append(entries, e)
	}

	return entries, nil
}

func parseRow(fields [4]string) (e Entry, err error) {
	if e.SendTimeGap, err = strconv.ParseFloat(fields[0], 32); err != nil {
		return
	} else if math.IsNaN(e.SendTimeGap) || math.IsInf(e.SendTimeGap, 0) {
		err = errInvalidGap
		return
	}
	if e.Deadline, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return
	}
	if e.Size, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return
	} else if e.Size > MaxBlockSize {
		err = errInvalidSize
		return
	}
	if e.Priority, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return
	}
	return
}

// Load reads the trace stored at filename. An unreadable file or a file
// without any valid row results in an error; callers must treat both as
// fatal for the connection requesting the trace.
func Load(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(filename, ".xz") {
		xzR, xzErr := xz.NewReader(bufio.NewReader(f))
		if xzErr != nil {
			return nil, fmt.Errorf("opening xz trace %s: %w", filename, xzErr)
		}
		r = xzR
	}

	entries, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("reading trace %s: %w", filename, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", filename, ErrEmpty)
	}

	log.WithFields(log.Fields{
		"file":    filename,
		"entries": len(entries),
	}).Debug("Loaded trace")

	return entries, nil
}
