// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"errors"
	"net"

	"github.com/dtn7/dtptest-go/pkg/udp"
)

var (
	serverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
	clientAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
)

type sentDatagram struct {
	data []byte
	to   net.Addr
	tos  int
}

// fakeSocket records all written datagrams and serves queued ones.
type fakeSocket struct {
	queue    []udp.Datagram
	readable chan struct{}

	written []sentDatagram
	tos     int

	// failAfter lets writes fail after this many successful ones if it is
	// not negative. short makes failing writes short instead of erroneous.
	failAfter int
	short     bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		readable:  make(chan struct{}, 1),
		failAfter: -1,
	}
}

func (fs *fakeSocket) push(b []byte, from net.Addr) {
	fs.queue = append(fs.queue, udp.Datagram{Data: append([]byte(nil), b...), From: from})
	select {
	case fs.readable <- struct{}{}:
	default:
	}
}

func (fs *fakeSocket) Recv() (udp.Datagram, bool) {
	if len(fs.queue) == 0 {
		return udp.Datagram{}, false
	}
	d := fs.queue[0]
	fs.queue = fs.queue[1:]
	return d, true
}

func (fs *fakeSocket) WriteTo(b []byte, addr net.Addr) (int, error) {
	if fs.failAfter >= 0 && len(fs.written) >= fs.failAfter {
		if fs.short {
			return len(b) / 2, nil
		}
		return 0, errors.New("write failed")
	}

	fs.written = append(fs.written, sentDatagram{
		data: append([]byte(nil), b...),
		to:   addr,
		tos:  fs.tos,
	})
	return len(b), nil
}

func (fs *fakeSocket) SetTOS(tos int) error {
	fs.tos = tos
	return nil
}

func (fs *fakeSocket) Readable() <-chan struct{} {
	return fs.readable
}

func (fs *fakeSocket) LocalAddr() net.Addr {
	return serverAddr
}
