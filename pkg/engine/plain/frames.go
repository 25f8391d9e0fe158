// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"bytes"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

const (
	frameTypePadding   = 0x00
	frameTypePing      = 0x01
	frameTypeAck       = 0x02
	frameTypeHello     = 0x06
	frameTypeStream    = 0x08
	frameTypeStreamFin = 0x09
	frameTypeClose     = 0x1c
	frameTypeFinished  = 0x1e
	frameTypeBlock     = 0x30

	// maxAckRanges limits the size of ACK frames.
	maxAckRanges = 32
)

type frame interface {
	appendTo(b []byte) []byte

	// ackEliciting frames must be acknowledged and are retransmitted.
	ackEliciting() bool
}

func frameLen(f frame) int {
	return len(f.appendTo(nil))
}

type pingFrame struct{}

func (pingFrame) appendTo(b []byte) []byte { return append(b, frameTypePing) }
func (pingFrame) ackEliciting() bool       { return true }

// pnRange is an inclusive range of packet numbers.
type pnRange struct {
	smallest, largest uint64
}

type ackFrame struct {
	// ranges are sorted descending by packet number.
	ranges []pnRange
}

func (f *ackFrame) appendTo(b []byte) []byte {
	b = append(b, frameTypeAck)
	b = quicvarint.Append(b, uint64(len(f.ranges)))
	for _, r := range f.ranges {
		b = quicvarint.Append(b, r.largest)
		b = quicvarint.Append(b, r.smallest)
	}
	return b
}

func (*ackFrame) ackEliciting() bool { return false }

func (f *ackFrame) largest() uint64 {
	return f.ranges[0].largest
}

func (f *ackFrame) acks(pn uint64) bool {
	for _, r := range f.ranges {
		if pn >= r.smallest && pn <= r.largest {
			return true
		}
	}
	return false
}

type helloFrame struct {
	params transportParameters
}

func (f *helloFrame) appendTo(b []byte) []byte {
	var buf bytes.Buffer
	// Marshalling into a bytes.Buffer cannot fail.
	_ = f.params.MarshalCbor(&buf)

	b = append(b, frameTypeHello)
	b = quicvarint.Append(b, uint64(buf.Len()))
	return append(b, buf.Bytes()...)
}

func (*helloFrame) ackEliciting() bool { return true }

type finishedFrame struct{}

func (finishedFrame) appendTo(b []byte) []byte { return append(b, frameTypeFinished) }
func (finishedFrame) ackEliciting() bool       { return true }

type blockFrame struct {
	streamID uint64
	block    engine.Block

	// sentAt is the sender's wall clock in microseconds since the epoch.
	sentAt uint64
}

func (f *blockFrame) appendTo(b []byte) []byte {
	b = append(b, frameTypeBlock)
	for _, v := range []uint64{f.streamID, f.block.Size, f.block.Priority, f.block.Deadline, f.sentAt} {
		b = quicvarint.Append(b, v)
	}
	return b
}

func (*blockFrame) ackEliciting() bool { return true }

type streamFrame struct {
	streamID uint64
	offset   uint64
	fin      bool
	data     []byte
}

func streamFrameOverhead(streamID, offset uint64, dataLen int) int {
	return 1 + quicvarint.Len(streamID) + quicvarint.Len(offset) + quicvarint.Len(uint64(dataLen))
}

func (f *streamFrame) appendTo(b []byte) []byte {
	if f.fin {
		b = append(b, frameTypeStreamFin)
	} else {
		b = append(b, frameTypeStream)
	}
	b = quicvarint.Append(b, f.streamID)
	b = quicvarint.Append(b, f.offset)
	b = quicvarint.Append(b, uint64(len(f.data)))
	return append(b, f.data...)
}

func (*streamFrame) ackEliciting() bool { return true }

// split cuts the frame so that its first part fits into space bytes. The
// second return value holds the remainder or nil.
func (f *streamFrame) split(space int) (*streamFrame, *streamFrame) {
	if frameLen(f) <= space {
		return f, nil
	}

	n := space - streamFrameOverhead(f.streamID, f.offset, len(f.data))
	if n <= 0 {
		return nil, f
	}

	head := &streamFrame{streamID: f.streamID, offset: f.offset, data: f.data[:n]}
	tail := &streamFrame{streamID: f.streamID, offset: f.offset + uint64(n), fin: f.fin, data: f.data[n:]}
	return head, tail
}

type closeFrame struct {
	code   ErrorCode
	reason string
}

func (f *closeFrame) appendTo(b []byte) []byte {
	b = append(b, frameTypeClose)
	b = quicvarint.Append(b, uint64(f.code))
	b = quicvarint.Append(b, uint64(len(f.reason)))
	return append(b, f.reason...)
}

func (*closeFrame) ackEliciting() bool { return false }

// parseFrames decodes all frames of a packet payload.
func parseFrames(payload []byte) (frames []frame, err error) {
	r := bytes.NewReader(payload)

	for r.Len() > 0 {
		typ, _ := r.ReadByte()

		var f frame
		switch typ {
		case frameTypePadding:
			continue

		case frameTypePing:
			f = pingFrame{}

		case frameTypeAck:
			f, err = parseAckFrame(r)

		case frameTypeHello:
			f, err = parseHelloFrame(r)

		case frameTypeFinished:
			f = finishedFrame{}

		case frameTypeBlock:
			f, err = parseBlockFrame(r)

		case frameTypeStream, frameTypeStreamFin:
			f, err = parseStreamFrame(r, typ == frameTypeStreamFin)

		case frameTypeClose:
			f, err = parseCloseFrame(r)

		default:
			err = fmt.Errorf("unknown frame type 0x%x", typ)
		}

		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}

	return frames, nil
}

func readVarints(r *bytes.Reader, fields ...*uint64) error {
	for _, field := range fields {
		v, err := quicvarint.Read(r)
		if err != nil {
			return err
		}
		*field = v
	}
	return nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint64
	if err := readVarints(r, &n); err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Len())
	}
	data := make([]byte, n)
	_, err := io.ReadFull(r, data)
	return data, err
}

func parseAckFrame(r *bytes.Reader) (*ackFrame, error) {
	var n uint64
	if err := readVarints(r, &n); err != nil {
		return nil, err
	}
	if n == 0 || n > maxAckRanges {
		return nil, fmt.Errorf("invalid ACK range count %d", n)
	}

	f := &ackFrame{ranges: make([]pnRange, n)}
	for i := range f.ranges {
		if err := readVarints(r, &f.ranges[i].largest, &f.ranges[i].smallest); err != nil {
			return nil, err
		}
		if f.ranges[i].smallest > f.ranges[i].largest {
			return nil, fmt.Errorf("invalid ACK range %d-%d", f.ranges[i].smallest, f.ranges[i].largest)
		}
	}
	return f, nil
}

func parseHelloFrame(r *bytes.Reader) (*helloFrame, error) {
	data, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	f := new(helloFrame)
	if err := f.params.UnmarshalCbor(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding transport parameters: %w", err)
	}
	return f, nil
}

func parseBlockFrame(r *bytes.Reader) (*blockFrame, error) {
	f := new(blockFrame)
	err := readVarints(r, &f.streamID, &f.block.Size, &f.block.Priority, &f.block.Deadline, &f.sentAt)
	return f, err
}

func parseStreamFrame(r *bytes.Reader, fin bool) (*streamFrame, error) {
	f := &streamFrame{fin: fin}
	if err := readVarints(r, &f.streamID, &f.offset); err != nil {
		return nil, err
	}
	data, err := readBytes(r)
	f.data = data
	return f, err
}

func parseCloseFrame(r *bytes.Reader) (*closeFrame, error) {
	var code uint64
	if err := readVarints(r, &code); err != nil {
		return nil, err
	}
	reason, err := readBytes(r)
	return &closeFrame{code: ErrorCode(code), reason: string(reason)}, err
}
