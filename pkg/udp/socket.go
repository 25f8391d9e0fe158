// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package udp wraps a UDP socket for a single goroutine event loop. A reader
// goroutine queues received datagrams and signals readability; the loop then
// drains the queue without blocking.
package udp

import (
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// maxDatagramLen is the buffer size for incoming datagrams.
	maxDatagramLen = 65535

	// maxQueueLen bounds the number of datagrams waiting to be processed,
	// similar to a socket's receive buffer.
	maxQueueLen = 4096

	// readBackoff is the pause after a failed read.
	readBackoff = 10 * time.Millisecond
)

// Datagram is a received datagram and its sender.
type Datagram struct {
	Data []byte
	From net.Addr
}

// Socket is a UDP socket with a non-blocking receive queue.
type Socket struct {
	conn *net.UDPConn
	read func(b []byte) (int, net.Addr, error)

	queueMutex sync.Mutex
	queue      []Datagram
	readable   chan struct{}

	stopAck chan struct{}
}

// Listen opens a Socket bound to the given address, e.g., "127.0.0.1:4433"
// or ":0" for an ephemeral port.
func Listen(network, address string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		conn:     conn,
		read:     conn.ReadFrom,
		readable: make(chan struct{}, 1),
		stopAck:  make(chan struct{}),
	}
	go s.handler()

	log.WithField("address", conn.LocalAddr()).Debug("UDP socket listening")
	return s, nil
}

func (s *Socket) handler() {
	defer close(s.stopAck)

	for {
		buf := make([]byte, maxDatagramLen)
		n, from, err := s.read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Debug("Reading from UDP socket failed")
			time.Sleep(readBackoff)
			continue
		}

		s.queueMutex.Lock()
		if len(s.queue) >= maxQueueLen {
			s.queueMutex.Unlock()
			log.WithField("peer", from).Debug("UDP receive queue full, dropping datagram")
			continue
		}
		s.queue = append(s.queue, Datagram{Data: buf[:n:n], From: from})
		s.queueMutex.Unlock()

		select {
		case s.readable <- struct{}{}:
		default:
		}
	}
}

// Readable delivers a value after datagrams were queued.
func (s *Socket) Readable() <-chan struct{} {
	return s.readable
}

// Recv returns the next queued datagram. The second return value is false
// if the queue is empty, i.e., reading would block.
func (s *Socket) Recv() (Datagram, bool) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()

	if len(s.queue) == 0 {
		return Datagram{}, false
	}

	d := s.queue[0]
	s.queue[0] = Datagram{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return d, true
}

// WriteTo sends one datagram.
func (s *Socket) WriteTo(b []byte, addr net.Addr) (int, error) {
	return s.conn.WriteTo(b, addr)
}

// LocalAddr of the bound socket.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close the socket and wait for the reader goroutine.
func (s *Socket) Close() error {
	err := s.conn.Close()
	<-s.stopAck
	return err
}
