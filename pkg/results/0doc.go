// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package results records the outcome of a DTP test run.
//
// A BlockRecord is written for every block the client received completely,
// a ConnectionRecord for every retired connection. Records are passed to a
// Sink, which might be a CSVWriter for the classic output trace, a Store for
// persistent and queryable results, or a Multi combining several of them.
package results
