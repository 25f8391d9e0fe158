// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package harness drives DTP test connections over a single UDP socket.
//
// A Server accepts connections after address validation and sends each
// client the blocks of a trace, paced by the trace's send time gaps. A Client
// connects to such a server and records the completion time of every
// received block.
//
// Everything runs on one reactor.Loop. Each connection is represented by a
// Record in a Registry, owning three timers: the engine's idle and loss
// timer, the pacing timer flushing outgoing datagrams, and the scheduler
// timer sending the next block.
package harness
