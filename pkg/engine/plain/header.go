// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/howeyc/crc16"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

const (
	headerFormLong = 0x80
	headerFixedBit = 0x40

	longTypeInitial   = 0x0
	longTypeZeroRTT   = 0x1
	longTypeHandshake = 0x2
	longTypeRetry     = 0x3

	packetNumberLen = 4
	checksumLen     = 2
	retryTagLen     = 16
)

var supportedVersions = []quic.Version{quic.Version1, quic.Version2}

func isSupported(v quic.Version) bool {
	for _, sv := range supportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

var crcTable = crc16.MakeTable(crc16.CCITT)

// packetHeader is the parsed header of a received packet, together with the
// offset where the packet number starts.
type packetHeader struct {
	engine.Header

	// pnOffset is the index of the packet number. Only set for Initial,
	// Handshake, and short header packets.
	pnOffset int

	// end is the index after the last byte of this packet, checksum included.
	end int
}

// parseHeader parses the header of the first packet within b.
func parseHeader(b []byte, dcidLen int) (hdr packetHeader, err error) {
	if len(b) == 0 {
		err = fmt.Errorf("%w: empty datagram", ErrInvalidPacket)
		return
	}

	if b[0]&headerFormLong == 0 {
		return parseShortHeader(b, dcidLen)
	}
	return parseLongHeader(b)
}

func parseShortHeader(b []byte, dcidLen int) (hdr packetHeader, err error) {
	if len(b) < 1+dcidLen+packetNumberLen+checksumLen {
		err = fmt.Errorf("%w: short header packet of %d bytes", ErrInvalidPacket, len(b))
		return
	}

	hdr.Type = engine.PacketShort
	hdr.DstConnID = append(engine.ConnectionID(nil), b[1:1+dcidLen]...)
	hdr.pnOffset = 1 + dcidLen
	hdr.end = len(b)
	return
}

func parseLongHeader(b []byte) (hdr packetHeader, err error) {
	r := bytes.NewReader(b)
	readErr := func(what string, cause error) error {
		return fmt.Errorf("%w: reading %s: %v", ErrInvalidPacket, what, cause)
	}

	first, _ := r.ReadByte()

	var version uint32
	if err = binary.Read(r, binary.BigEndian, &version); err != nil {
		err = readErr("version", err)
		return
	}
	hdr.Version = quic.Version(version)

	if hdr.DstConnID, err = readConnID(r); err != nil {
		err = readErr("destination connection ID", err)
		return
	}
	if hdr.SrcConnID, err = readConnID(r); err != nil {
		err = readErr("source connection ID", err)
		return
	}

	if version == 0 {
		hdr.Type = engine.PacketVersionNegotiation
		hdr.end = len(b)
		return
	}

	if first&headerFixedBit == 0 {
		err = fmt.Errorf("%w: fixed bit not set", ErrInvalidPacket)
		return
	}

	switch (first >> 4) & 0x3 {
	case longTypeInitial:
		hdr.Type = engine.PacketInitial
	case longTypeZeroRTT:
		hdr.Type = engine.PacketZeroRTT
	case longTypeHandshake:
		hdr.Type = engine.PacketHandshake
	case longTypeRetry:
		hdr.Type = engine.PacketRetry
	}

	if hdr.Type == engine.PacketRetry {
		pos := len(b) - r.Len()
		if len(b)-pos < retryTagLen {
			err = fmt.Errorf("%w: retry packet without integrity tag", ErrInvalidPacket)
			return
		}
		hdr.Token = append([]byte(nil), b[pos:len(b)-retryTagLen]...)
		hdr.end = len(b)
		return
	}

	if hdr.Type == engine.PacketInitial {
		tokenLen, tlErr := quicvarint.Read(r)
		if tlErr != nil {
			err = readErr("token length", tlErr)
			return
		}
		if tokenLen > uint64(r.Len()) {
			err = fmt.Errorf("%w: token length %d exceeds packet", ErrInvalidPacket, tokenLen)
			return
		}
		hdr.Token = make([]byte, tokenLen)
		_, _ = io.ReadFull(r, hdr.Token)
	}

	length, lErr := quicvarint.Read(r)
	if lErr != nil {
		err = readErr("length", lErr)
		return
	}
	if length > uint64(r.Len()) || length < packetNumberLen+checksumLen {
		err = fmt.Errorf("%w: invalid length %d", ErrInvalidPacket, length)
		return
	}

	hdr.pnOffset = len(b) - r.Len()
	hdr.end = hdr.pnOffset + int(length)
	return
}

func readConnID(r *bytes.Reader) (engine.ConnectionID, error) {
	l, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if int(l) > engine.MaxConnIDLen {
		return nil, fmt.Errorf("connection ID length %d exceeds %d", l, engine.MaxConnIDLen)
	}
	id := make(engine.ConnectionID, l)
	if _, err := io.ReadFull(r, id); err != nil {
		return nil, err
	}
	return id, nil
}

func appendConnID(b []byte, id engine.ConnectionID) []byte {
	b = append(b, byte(len(id)))
	return append(b, id...)
}

// appendLongHeader writes a long header up to and excluding the length
// field.
func appendLongHeader(b []byte, typ byte, v quic.Version, dcid, scid engine.ConnectionID) []byte {
	b = append(b, headerFormLong|headerFixedBit|typ<<4)
	b = binary.BigEndian.AppendUint32(b, uint32(v))
	b = appendConnID(b, dcid)
	return appendConnID(b, scid)
}

// sealPacket finishes a packet by appending the checksum over all bytes.
func sealPacket(b []byte) []byte {
	return binary.BigEndian.AppendUint16(b, crc16.Checksum(b, crcTable))
}

// checkPacket verifies the checksum trailer of a complete packet.
func checkPacket(b []byte) error {
	if len(b) < checksumLen {
		return ErrInvalidPacket
	}
	payload, trailer := b[:len(b)-checksumLen], b[len(b)-checksumLen:]
	if crc16.Checksum(payload, crcTable) != binary.BigEndian.Uint16(trailer) {
		return ErrChecksum
	}
	return nil
}

// writeVersionNegotiation builds a version negotiation packet answering a
// client's packet. The client's SCID becomes our DCID and vice versa.
func writeVersionNegotiation(scid, dcid engine.ConnectionID, out []byte) (int, error) {
	var first [1]byte
	if _, err := rand.Read(first[:]); err != nil {
		return 0, err
	}

	b := make([]byte, 0, 7+len(scid)+len(dcid)+4*len(supportedVersions))
	b = append(b, headerFormLong|first[0])
	b = binary.BigEndian.AppendUint32(b, 0)
	b = appendConnID(b, scid)
	b = appendConnID(b, dcid)
	for _, v := range supportedVersions {
		b = binary.BigEndian.AppendUint32(b, uint32(v))
	}

	if len(b) > len(out) {
		return 0, ErrBufferTooShort
	}
	return copy(out, b), nil
}

// parseVersionNegotiation returns the versions offered by a server.
func parseVersionNegotiation(b []byte) ([]quic.Version, error) {
	r := bytes.NewReader(b)
	_, _ = r.ReadByte()
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil || version != 0 {
		return nil, fmt.Errorf("%w: not a version negotiation packet", ErrInvalidPacket)
	}
	if _, err := readConnID(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if _, err := readConnID(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if r.Len() == 0 || r.Len()%4 != 0 {
		return nil, fmt.Errorf("%w: malformed version list", ErrInvalidPacket)
	}

	versions := make([]quic.Version, 0, r.Len()/4)
	for r.Len() > 0 {
		_ = binary.Read(r, binary.BigEndian, &version)
		versions = append(versions, quic.Version(version))
	}
	return versions, nil
}

// Retry integrity keys and nonces of RFC 9001, Section 5.8 and RFC 9369.
var (
	retryKeyV1   = [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonceV1 = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
	retryKeyV2   = [16]byte{0x8f, 0xb4, 0xb0, 0x1b, 0x56, 0xac, 0x48, 0xe2, 0x60, 0xfb, 0xcb, 0xce, 0xad, 0x7c, 0xcc, 0x92}
	retryNonceV2 = [12]byte{0xd8, 0x69, 0x69, 0xbc, 0x2d, 0x7c, 0x6d, 0x99, 0x90, 0xef, 0xb0, 0x4a}
)

// retryIntegrityTag computes the tag over the retry packet (without tag),
// prefixed by the client's original destination connection ID.
func retryIntegrityTag(retry []byte, odcid engine.ConnectionID, v quic.Version) ([]byte, error) {
	key, nonce := retryKeyV1, retryNonceV1
	if v == quic.Version2 {
		key, nonce = retryKeyV2, retryNonceV2
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	pseudo := make([]byte, 0, 1+len(odcid)+len(retry))
	pseudo = appendConnID(pseudo, odcid)
	pseudo = append(pseudo, retry...)

	return aead.Seal(nil, nonce[:], nil, pseudo), nil
}

// writeRetry builds a retry packet. scid and dcid are taken from the client's
// Initial; newSCID is the connection ID the client must use from now on.
func writeRetry(scid, dcid, newSCID engine.ConnectionID, token []byte, v quic.Version, out []byte) (int, error) {
	b := appendLongHeader(nil, longTypeRetry, v, scid, newSCID)
	b = append(b, token...)

	tag, err := retryIntegrityTag(b, dcid, v)
	if err != nil {
		return 0, err
	}
	b = append(b, tag...)

	if len(b) > len(out) {
		return 0, ErrBufferTooShort
	}
	return copy(out, b), nil
}

// checkRetry verifies a received retry packet against the client's original
// destination connection ID.
func checkRetry(b []byte, odcid engine.ConnectionID, v quic.Version) error {
	if len(b) < retryTagLen {
		return ErrInvalidPacket
	}
	tag, err := retryIntegrityTag(b[:len(b)-retryTagLen], odcid, v)
	if err != nil {
		return err
	}
	if !bytes.Equal(tag, b[len(b)-retryTagLen:]) {
		return fmt.Errorf("%w: retry integrity tag mismatch", ErrInvalidPacket)
	}
	return nil
}
