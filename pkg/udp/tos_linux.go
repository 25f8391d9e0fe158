// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package udp

import (
	"net"

	"golang.org/x/sys/unix"
)

// SetTOS sets the TOS byte (IPv4) or traffic class (IPv6) of all following
// datagrams.
func (s *Socket) SetTOS(tos int) error {
	rawConn, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}

	ipv6 := false
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() == nil {
		ipv6 = true
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		if !ipv6 {
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
			return
		}

		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		// Dual-stack sockets also send IPv4 datagrams.
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return err
}
