// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package peer

import (
	"io"
	"sync"

	"github.com/sailfishos/nfcd/llcp"
)

// EventKind identifies an IOAdaptor-originated event delivered to Engine.
type EventKind uint8

const (
	EvRecv EventKind = iota
	EvCanSend
	EvError
)

// Event is a single notification an IOAdaptor pushes to the engine's event
// loop. Exactly one of these crosses the MAC/LLC boundary per physical
// transmission or reception opportunity.
type Event struct {
	Kind EventKind
	Data []byte
}

// IOAdaptor abstracts the asymmetry between NFC-DEP Initiator and Target
// roles (design notes §9.1): Initiator drives the symmetric exchange by
// always sending something (a queued PDU, or a filler SYMM) and reading the
// Target's reply; Target waits for a poll and answers it. Both are reduced,
// from the LLC engine's point of view, to the same three-event interface.
type IOAdaptor interface {
	// Events returns the adaptor's notification channel. It is closed when
	// the underlying link is torn down.
	Events() <-chan Event
	// CanSend reports whether the adaptor currently has room to accept one
	// more PDU via Send. It is a level (not just an edge at EvCanSend).
	CanSend() bool
	// Send hands one encoded PDU to the MAC. Returns false on a transport
	// failure (the engine treats this as PEER_LOST).
	Send(pdu []byte) bool
	// Close releases the adaptor's resources.
	Close() error
}

// PacketConn is the minimal packet-oriented transport an IOAdaptor drives.
// Implementations exchange whole NFC-DEP frames; framing below this
// interface (segmentation, CRC, RF timing) is out of scope here, same as it
// is out of scope for the LLC engine itself — this is the MAC stand-in the
// spec calls an external collaborator.
type PacketConn interface {
	ReadPacket() ([]byte, error)
	WritePacket([]byte) error
}

// InitiatorAdaptor drives the symmetric exchange as Initiator: it always
// sends first (a queued PDU if one is pending, otherwise a SYMM filler),
// then reads the Target's reply.
type InitiatorAdaptor struct {
	conn   PacketConn
	events chan Event

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// NewInitiatorAdaptor starts driving conn as NFC-DEP Initiator.
func NewInitiatorAdaptor(conn PacketConn) *InitiatorAdaptor {
	a := &InitiatorAdaptor{conn: conn, events: make(chan Event, 8)}
	go a.run()
	return a
}

func (a *InitiatorAdaptor) run() {
	defer close(a.events)
	for {
		a.mu.Lock()
		out := a.pending
		a.pending = nil
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		if out == nil {
			out = symmPDU()
		}
		if err := a.conn.WritePacket(out); err != nil {
			a.events <- Event{Kind: EvError}
			return
		}
		a.events <- Event{Kind: EvCanSend}

		in, err := a.conn.ReadPacket()
		if err != nil {
			if err == io.EOF {
				return
			}
			a.events <- Event{Kind: EvError}
			return
		}
		if len(in) > 0 {
			a.events <- Event{Kind: EvRecv, Data: in}
		}
	}
}

func (a *InitiatorAdaptor) Events() <-chan Event { return a.events }

func (a *InitiatorAdaptor) CanSend() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending == nil && !a.closed
}

func (a *InitiatorAdaptor) Send(pdu []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.pending != nil {
		return false
	}
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	a.pending = cp
	return true
}

func (a *InitiatorAdaptor) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

// TargetAdaptor drives the symmetric exchange as Target: it waits for the
// Initiator's poll, then replies with a queued PDU or a SYMM filler.
type TargetAdaptor struct {
	conn   PacketConn
	events chan Event

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// NewTargetAdaptor starts driving conn as NFC-DEP Target.
func NewTargetAdaptor(conn PacketConn) *TargetAdaptor {
	a := &TargetAdaptor{conn: conn, events: make(chan Event, 8)}
	go a.run()
	return a
}

func (a *TargetAdaptor) run() {
	defer close(a.events)
	for {
		in, err := a.conn.ReadPacket()
		if err != nil {
			if err == io.EOF {
				return
			}
			a.events <- Event{Kind: EvError}
			return
		}
		if len(in) > 0 {
			a.events <- Event{Kind: EvRecv, Data: in}
		}

		a.mu.Lock()
		out := a.pending
		a.pending = nil
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		if out == nil {
			out = symmPDU()
		}
		if err := a.conn.WritePacket(out); err != nil {
			a.events <- Event{Kind: EvError}
			return
		}
		a.events <- Event{Kind: EvCanSend}
	}
}

func (a *TargetAdaptor) Events() <-chan Event { return a.events }

func (a *TargetAdaptor) CanSend() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending == nil && !a.closed
}

func (a *TargetAdaptor) Send(pdu []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.pending != nil {
		return false
	}
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	a.pending = cp
	return true
}

func (a *TargetAdaptor) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func symmPDU() []byte {
	return llcp.EncodeSYMM()
}
