// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package results

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestCSVWriter(t *testing.T) {
	var buf bytes.Buffer

	cw, err := NewCSVWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if err := cw.WriteBlock(BlockRecord{
		ID:       5,
		BCT:      12345 * time.Microsecond,
		Size:     1000,
		Priority: 1,
		Deadline: 50,
		Duration: 2 * time.Second,
	}); err != nil {
		t.Fatal(err)
	}

	if err := cw.WriteConnection(ConnectionRecord{Connection: "abcd", Recv: 3, Sent: 4}); err != nil {
		t.Fatal(err)
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected three lines, got %q", lines)
	}
	if lines[0] != "block_id,bct,size,priority,deadline,duration" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if lines[1] != "5,12345,1000,1,50,2000000" {
		t.Fatalf("unexpected block line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "# connection=abcd") {
		t.Fatalf("unexpected connection line %q", lines[2])
	}
}

func TestBlockRecordMet(t *testing.T) {
	tests := []struct {
		bct      time.Duration
		deadline uint64
		met      bool
	}{
		{10 * time.Millisecond, 50, true},
		{50 * time.Millisecond, 50, true},
		{51 * time.Millisecond, 50, false},
		{time.Hour, 0, true},
	}

	for _, test := range tests {
		br := BlockRecord{BCT: test.bct, Deadline: test.deadline}
		if met := br.Met(); met != test.met {
			t.Fatalf("%v: expected met=%t, got %t", br, test.met, met)
		}
	}
}
