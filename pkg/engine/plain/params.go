// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtptest-go/pkg/engine"
)

// transportParameters are exchanged in HELLO frames. They are serialized as
// a CBOR array of nine elements; the last three are only set by servers.
type transportParameters struct {
	idleTimeout            time.Duration
	maxUDPPayload          uint64
	initialMaxData         uint64
	initialMaxStreamData   uint64
	initialMaxStreams      uint64
	disableActiveMigration bool

	originalDCID engine.ConnectionID
	retrySCID    engine.ConnectionID
	certificate  []byte
}

const transportParametersLen = 9

func newTransportParameters(c Config) transportParameters {
	return transportParameters{
		idleTimeout:            c.IdleTimeout,
		maxUDPPayload:          uint64(c.MaxDatagramSize),
		initialMaxData:         c.InitialMaxData,
		initialMaxStreamData:   c.InitialMaxStreamData,
		initialMaxStreams:      c.InitialMaxStreams,
		disableActiveMigration: c.DisableActiveMigration,
	}
}

func (tp *transportParameters) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(transportParametersLen, w); err != nil {
		return err
	}

	uints := []uint64{
		uint64(tp.idleTimeout / time.Millisecond),
		tp.maxUDPPayload,
		tp.initialMaxData,
		tp.initialMaxStreamData,
		tp.initialMaxStreams,
	}
	for _, u := range uints {
		if err := cboring.WriteUInt(u, w); err != nil {
			return err
		}
	}

	if err := cboring.WriteBoolean(tp.disableActiveMigration, w); err != nil {
		return err
	}

	for _, bs := range [][]byte{tp.originalDCID, tp.retrySCID, tp.certificate} {
		if err := cboring.WriteByteString(bs, w); err != nil {
			return err
		}
	}

	return nil
}

func (tp *transportParameters) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != transportParametersLen {
		return fmt.Errorf("expected array with length %d, got %d", transportParametersLen, n)
	}

	var idleMs uint64
	uints := []*uint64{
		&idleMs,
		&tp.maxUDPPayload,
		&tp.initialMaxData,
		&tp.initialMaxStreamData,
		&tp.initialMaxStreams,
	}
	for _, u := range uints {
		if x, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*u = x
		}
	}
	tp.idleTimeout = time.Duration(idleMs) * time.Millisecond

	if b, err := cboring.ReadBoolean(r); err != nil {
		return err
	} else {
		tp.disableActiveMigration = b
	}

	bss := []*[]byte{(*[]byte)(&tp.originalDCID), (*[]byte)(&tp.retrySCID), &tp.certificate}
	for _, bs := range bss {
		if x, err := cboring.ReadByteString(r); err != nil {
			return err
		} else if len(x) > 0 {
			*bs = x
		}
	}

	if len(tp.originalDCID) > engine.MaxConnIDLen || len(tp.retrySCID) > engine.MaxConnIDLen {
		return fmt.Errorf("connection ID in transport parameters exceeds %d bytes", engine.MaxConnIDLen)
	}
	if tp.maxUDPPayload < minInitialSize {
		return fmt.Errorf("max UDP payload %d is below %d", tp.maxUDPPayload, minInitialSize)
	}

	return nil
}
