// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package trace loads block schedules ("traces") for the DTP test harness.
//
// A trace is a text file with one scheduled block per line. Each line holds
// four whitespace separated fields in a fixed order:
//
//	send_time_gap deadline size priority
//
// The send_time_gap is a float in seconds, the others are unsigned integers.
// Parsing stops at the first malformed row or after MaxEntries rows. Files
// ending in ".xz" are decompressed while reading.
package trace
