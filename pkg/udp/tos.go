// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package udp

// SetTOS is only supported on Linux; elsewhere datagrams stay unmarked.
func (s *Socket) SetTOS(tos int) error {
	return nil
}
