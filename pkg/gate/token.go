// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package gate

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/crypto/blake2b"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

const (
	// Tag starts every retry token.
	Tag = "dtptest"

	// maxAddrLen is the length of a serialized IPv6 address: family, address
	// and port.
	maxAddrLen = 1 + net.IPv6len + 2

	macLen = 16

	// MaxTokenLen is the longest token this package mints. Longer tokens are
	// rejected without further inspection.
	MaxTokenLen = len(Tag) + maxAddrLen + engine.MaxConnIDLen + macLen
)

const (
	familyIPv4 byte = 4
	familyIPv6 byte = 6
)

var (
	// ErrInvalidToken is returned for tokens which were not minted for this
	// peer by this Minter.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenTooLong is returned for tokens exceeding MaxTokenLen.
	ErrTokenTooLong = errors.New("token exceeds maximum length")

	// ErrUnsupportedAddress is returned for peers which are not UDP/IP.
	ErrUnsupportedAddress = errors.New("unsupported peer address")
)

// Minter creates and validates retry tokens. A token is the Tag, the peer's
// serialized address, the original destination connection ID, and a keyed
// BLAKE2b MAC over those bytes.
type Minter struct {
	key [32]byte
}

// NewMinter creates a Minter with a random key. Tokens are only valid for
// the Minter which created them.
func NewMinter() (*Minter, error) {
	m := new(Minter)
	if _, err := rand.Read(m.key[:]); err != nil {
		return nil, fmt.Errorf("generating token key: %w", err)
	}
	return m, nil
}

// serializeAddr writes the address family, IP address and port of a UDP
// address.
func serializeAddr(addr net.Addr) ([]byte, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok || udpAddr == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAddress, addr)
	}

	b := make([]byte, 0, maxAddrLen)
	if ip4 := udpAddr.IP.To4(); ip4 != nil {
		b = append(b, familyIPv4)
		b = append(b, ip4...)
	} else if ip6 := udpAddr.IP.To16(); ip6 != nil {
		b = append(b, familyIPv6)
		b = append(b, ip6...)
	} else {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAddress, addr)
	}
	return binary.BigEndian.AppendUint16(b, uint16(udpAddr.Port)), nil
}

func (m *Minter) mac(b []byte) []byte {
	// The key size is always valid, so New cannot fail.
	h, _ := blake2b.New(macLen, m.key[:])
	h.Write(b)
	return h.Sum(nil)
}

// Mint a token for a peer's address and the original destination connection
// ID of its first Initial packet.
func (m *Minter) Mint(addr net.Addr, odcid engine.ConnectionID) ([]byte, error) {
	if len(odcid) == 0 || len(odcid) > engine.MaxConnIDLen {
		return nil, fmt.Errorf("invalid connection ID length %d", len(odcid))
	}

	addrBytes, err := serializeAddr(addr)
	if err != nil {
		return nil, err
	}

	token := make([]byte, 0, MaxTokenLen)
	token = append(token, Tag...)
	token = append(token, addrBytes...)
	token = append(token, odcid...)
	return append(token, m.mac(token)...), nil
}

// Validate a token received from addr and return the original destination
// connection ID embedded within.
func (m *Minter) Validate(token []byte, addr net.Addr) (engine.ConnectionID, error) {
	if len(token) > MaxTokenLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTokenTooLong, len(token))
	}

	addrBytes, err := serializeAddr(addr)
	if err != nil {
		return nil, err
	}

	prefixLen := len(Tag) + len(addrBytes)
	if len(token) <= prefixLen+macLen {
		return nil, fmt.Errorf("%w: too short", ErrInvalidToken)
	}
	if !bytes.HasPrefix(token, []byte(Tag)) || !bytes.Equal(token[len(Tag):prefixLen], addrBytes) {
		return nil, fmt.Errorf("%w: address mismatch", ErrInvalidToken)
	}

	body, mac := token[:len(token)-macLen], token[len(token)-macLen:]
	if subtle.ConstantTimeCompare(mac, m.mac(body)) != 1 {
		return nil, fmt.Errorf("%w: MAC mismatch", ErrInvalidToken)
	}

	odcid := engine.ConnectionID(append([]byte(nil), body[prefixLen:]...))
	if len(odcid) > engine.MaxConnIDLen {
		return nil, fmt.Errorf("%w: connection ID too long", ErrInvalidToken)
	}
	return odcid, nil
}
