// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVHeader is the first line of each output trace.
var CSVHeader = []string{"block_id", "bct", "size", "priority", "deadline", "duration"}

// CSVWriter writes the output trace: one line per block with the completion
// time and the duration since the client's start in microseconds. Connection
// statistics are written as lines starting with a '#'.
type CSVWriter struct {
	w   io.Writer
	csv *csv.Writer
}

// NewCSVWriter writes the header and returns a CSVWriter. If w is an
// io.Closer, it is closed together with the CSVWriter.
func NewCSVWriter(w io.Writer) (*CSVWriter, error) {
	cw := &CSVWriter{
		w:   w,
		csv: csv.NewWriter(w),
	}

	if err := cw.csv.Write(CSVHeader); err != nil {
		return nil, err
	}
	cw.csv.Flush()
	return cw, cw.csv.Error()
}

// WriteBlock appends a line for the BlockRecord and flushes it.
func (cw *CSVWriter) WriteBlock(br BlockRecord) error {
	row := []string{
		strconv.FormatUint(br.ID, 10),
		strconv.FormatInt(br.BCT.Microseconds(), 10),
		strconv.FormatUint(br.Size, 10),
		strconv.FormatUint(br.Priority, 10),
		strconv.FormatUint(br.Deadline, 10),
		strconv.FormatInt(br.Duration.Microseconds(), 10),
	}

	if err := cw.csv.Write(row); err != nil {
		return err
	}
	cw.csv.Flush()
	return cw.csv.Error()
}

// WriteConnection appends a comment line with the connection's statistics.
func (cw *CSVWriter) WriteConnection(cr ConnectionRecord) error {
	_, err := fmt.Fprintf(cw.w, "# %v\n", cr)
	return err
}

// Close the underlying io.Writer, if possible.
func (cw *CSVWriter) Close() error {
	cw.csv.Flush()
	err := cw.csv.Error()

	if closer, ok := cw.w.(io.Closer); ok {
		if closeErr := closer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}
