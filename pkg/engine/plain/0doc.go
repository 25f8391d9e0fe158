// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package plain implements a QUIC-shaped connection engine without packet
protection, satisfying the engine.Engine and engine.Conn interfaces.

It is meant for driving the DTP test harness on a testbed where encryption is
of no interest. The packet layout follows the QUIC invariants, so version
negotiation, retry, and connection ID routing work exactly like with a real
QUIC stack.


Packets

Long headers carry the fixed bit, a two bit type, the version and both
connection IDs. Initial packets additionally carry the retry token. Initial,
Handshake and 1-RTT (short header) packets continue with a four byte packet
number, the frames, and a CRC-16/CCITT trailer over all preceding bytes.
Retry packets end with the RFC 9001 retry integrity tag.


Handshake

The client sends a HELLO frame with its transport parameters in an Initial
packet. The server answers with its own HELLO in a Handshake packet; besides
the transport parameters it contains the original destination connection ID,
the retry source connection ID and the server's certificate chain. After
checking the connection IDs, the client is established and sends FINISHED.
The server is established as soon as it receives FINISHED. Transport
parameters are CBOR encoded.


Blocks

A block is a stream with DTP metadata: size, priority, and deadline. The
metadata travels in a BLOCK frame together with the sender's wall clock
timestamp, which lets the receiver report the block completion time. When
choosing what to send next, streams are ordered by priority (lower value
first), then by absolute deadline, then by stream ID.


Recovery

Packets are acknowledged with ACK frames listing packet number ranges. A
packet is declared lost if a packet sent three packet numbers later was
acknowledged, or if it is older than 9/8 of the RTT compared to an
acknowledged packet. When the probe timeout expires, every outstanding packet
is declared lost. Lost frames are sent again in new packets. With "reno"
congestion control the window follows NewReno; with "none" the window is
unlimited.
*/
package plain
