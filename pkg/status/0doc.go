// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package status exposes a running server's connections over HTTP.
//
// The API serves JSON snapshots of all connections at /connections and of a
// single connection at /connections/{id}. Clients connecting to /ws via
// WebSocket receive an Event message for every created, established, and
// closed connection.
package status
