// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

func connID(b byte) engine.ConnectionID {
	return bytes.Repeat([]byte{b}, 16)
}

func TestParseShortHeader(t *testing.T) {
	b := append([]byte{headerFixedBit}, connID(0xaa)...)
	b = append(b, 0, 0, 0, 1, frameTypePing)
	b = sealPacket(b)

	hdr, err := parseHeader(b, 16)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != engine.PacketShort {
		t.Fatalf("expected short header, got %v", hdr.Type)
	}
	if !bytes.Equal(hdr.DstConnID, connID(0xaa)) {
		t.Fatalf("wrong DCID %v", hdr.DstConnID)
	}
	if hdr.pnOffset != 17 || hdr.end != len(b) {
		t.Fatalf("wrong offsets %d %d", hdr.pnOffset, hdr.end)
	}
	if err := checkPacket(b); err != nil {
		t.Fatal(err)
	}

	b[len(b)-3] ^= 0xff
	if err := checkPacket(b); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestParseHeaderInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"short too small", []byte{headerFixedBit, 1, 2, 3}},
		{"long truncated version", []byte{headerFormLong | headerFixedBit, 0, 0}},
		{"long without fixed bit", []byte{headerFormLong, 0, 0, 0, 1, 0, 0}},
		{"long connection ID too long", []byte{headerFormLong | headerFixedBit, 0, 0, 0, 1, 21}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := parseHeader(test.data, 16); !errors.Is(err, ErrInvalidPacket) {
				t.Fatalf("expected ErrInvalidPacket, got %v", err)
			}
		})
	}
}

func TestVersionNegotiation(t *testing.T) {
	out := make([]byte, MaxDatagramSize)
	n, err := writeVersionNegotiation(connID(1), connID(2), out)
	if err != nil {
		t.Fatal(err)
	}

	hdr, err := parseHeader(out[:n], 16)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != engine.PacketVersionNegotiation {
		t.Fatalf("expected version negotiation, got %v", hdr.Type)
	}
	if !bytes.Equal(hdr.DstConnID, connID(1)) || !bytes.Equal(hdr.SrcConnID, connID(2)) {
		t.Fatalf("connection IDs are not swapped: %v %v", hdr.DstConnID, hdr.SrcConnID)
	}

	versions, err := parseVersionNegotiation(out[:n])
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0] != quic.Version1 || versions[1] != quic.Version2 {
		t.Fatalf("unexpected versions %v", versions)
	}

	if _, err := writeVersionNegotiation(connID(1), connID(2), out[:10]); !errors.Is(err, ErrBufferTooShort) {
		t.Fatalf("expected ErrBufferTooShort, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	for _, v := range []quic.Version{quic.Version1, quic.Version2} {
		out := make([]byte, MaxDatagramSize)
		token := []byte("token")

		n, err := writeRetry(connID(1), connID(2), connID(3), token, v, out)
		if err != nil {
			t.Fatal(err)
		}

		hdr, err := parseHeader(out[:n], 16)
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Type != engine.PacketRetry || hdr.Version != v {
			t.Fatalf("unexpected header %v %v", hdr.Type, hdr.Version)
		}
		if !bytes.Equal(hdr.DstConnID, connID(1)) || !bytes.Equal(hdr.SrcConnID, connID(3)) {
			t.Fatalf("unexpected connection IDs %v %v", hdr.DstConnID, hdr.SrcConnID)
		}
		if !bytes.Equal(hdr.Token, token) {
			t.Fatalf("expected token %x, got %x", token, hdr.Token)
		}

		if err := checkRetry(out[:n], connID(2), v); err != nil {
			t.Fatal(err)
		}
		if err := checkRetry(out[:n], connID(4), v); err == nil {
			t.Fatal("retry tag accepted for another original DCID")
		}
	}
}

func TestRetryIntegrityTagRFC9001(t *testing.T) {
	// RFC 9001, Appendix A.4
	retry := []byte{
		0xff, 0x00, 0x00, 0x00, 0x01, 0x00, 0x08, 0xf0, 0x67, 0xa5, 0x50, 0x2a,
		0x42, 0x62, 0xb5, 0x74, 0x6f, 0x6b, 0x65, 0x6e,
	}
	odcid := engine.ConnectionID{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08}
	expected := []byte{
		0x04, 0xa2, 0x65, 0xba, 0x2e, 0xff, 0x4d, 0x82, 0x90, 0x58, 0xfb, 0x3f,
		0x0f, 0x24, 0x96, 0xba,
	}

	tag, err := retryIntegrityTag(retry, odcid, quic.Version1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tag, expected) {
		t.Fatalf("expected tag %x, got %x", expected, tag)
	}
}

func TestFrames(t *testing.T) {
	frames := []frame{
		pingFrame{},
		&ackFrame{ranges: []pnRange{{5, 7}, {0, 2}}},
		&blockFrame{streamID: 5, block: engine.Block{Size: 1000, Priority: 1, Deadline: 50}, sentAt: 12345},
		&streamFrame{streamID: 9, offset: 100, fin: true, data: []byte("data")},
		&closeFrame{code: ProtocolViolation, reason: "bye"},
		finishedFrame{},
	}

	var payload []byte
	for _, f := range frames {
		payload = f.appendTo(payload)
	}
	payload = append(payload, 0, 0, 0)

	parsed, err := parseFrames(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != len(frames) {
		t.Fatalf("expected %d frames, got %d", len(frames), len(parsed))
	}

	ack := parsed[1].(*ackFrame)
	if ack.largest() != 7 || !ack.acks(1) || ack.acks(3) {
		t.Fatalf("unexpected ACK %v", ack.ranges)
	}

	if sf := parsed[3].(*streamFrame); sf.streamID != 9 || sf.offset != 100 || !sf.fin || string(sf.data) != "data" {
		t.Fatalf("unexpected STREAM frame %+v", sf)
	}

	if _, err := parseFrames([]byte{0x7f}); err == nil {
		t.Fatal("unknown frame type was accepted")
	}
}

func TestStreamFrameSplit(t *testing.T) {
	f := &streamFrame{streamID: 5, offset: 0, fin: true, data: make([]byte, 100)}

	head, tail := f.split(50)
	if head == nil || tail == nil {
		t.Fatal("frame was not split")
	}
	if frameLen(head) > 50 {
		t.Fatalf("head of %d bytes exceeds space", frameLen(head))
	}
	if head.fin || !tail.fin {
		t.Fatal("fin must stay with the tail")
	}
	if tail.offset != uint64(len(head.data)) || len(head.data)+len(tail.data) != 100 {
		t.Fatalf("wrong split %d + %d at %d", len(head.data), len(tail.data), tail.offset)
	}

	if head, tail := f.split(3); head != nil || tail != f {
		t.Fatal("frame was split into too little space")
	}
}
