// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package peer

import (
	"github.com/bfix/gospel/logger"

	"github.com/sailfishos/nfcd/llcp"
)

// State is a PeerConnection's lifecycle state (design notes §9.2).
type State uint8

const (
	StateConnecting State = iota
	StateAccepting
	StateAbandoned
	StateActive
	StateDisconnecting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAccepting:
		return "ACCEPTING"
	case StateAbandoned:
		return "ABANDONED"
	case StateActive:
		return "ACTIVE"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDead:
		return "DEAD"
	default:
		return "?"
	}
}

// ConnectResult is passed to a CONNECT completion callback.
type ConnectResult uint8

const (
	ConnectSuccess ConnectResult = iota
	ConnectRejected
	ConnectNoService
	ConnectFailed
	ConnectCancelled
)

type connKey struct {
	local, remote uint8
}

// Connection is one LLCP data link connection (NFCForum-TS-LLCP_1.1 §5.6),
// a windowed, sequenced, connection-oriented pipe between a local and a
// remote SAP. It is the Go analogue of nfc_peer_connection: the wire
// protocol bookkeeping (V(S)/V(R)/V(SA)/V(RA), MIU, RW) lives here, while
// the *meaning* of the bytes flowing through it is left to Handler.
type Connection struct {
	engine  *Engine
	Service *Service
	Handler Handler

	localSAP, remoteSAP uint8
	state               State

	miu uint16 // local receive MIU advertised to the peer
	rmiu uint16 // peer's receive MIU (from its MIUX, or 128 default)
	rw   uint8  // local receive window advertised to the peer
	lrw  uint8  // peer's receive window (RW(R), from its RW param)

	vs, vr, vsa, vra uint8 // mod-16 sequence variables

	sendQueue [][]byte // application payloads not yet fragmented/queued
	recvBuf   []byte   // fragment reassembly buffer for I-PDUs arriving split

	onConnectDone func(*Connection, ConnectResult)
	doneOnce      bool // guards the single connect-completion callback

	idle bool // true once sendQueue is empty and nothing is in flight
}

func (c *Connection) key() connKey { return connKey{c.localSAP, c.remoteSAP} }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// LocalSAP and RemoteSAP return the connection's endpoint addresses.
func (c *Connection) LocalSAP() uint8  { return c.localSAP }
func (c *Connection) RemoteSAP() uint8 { return c.remoteSAP }

// MIU returns the maximum payload, in bytes, that a single I-PDU may carry
// toward the peer (bounded by the peer's advertised RMIU).
func (c *Connection) MIU() uint16 {
	if c.rmiu == 0 {
		return llcp.MIUDefault
	}
	return c.rmiu
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.Handler != nil {
		c.Handler.StateChanged(c)
	}
	if s == StateDead {
		if c.Service != nil {
			c.Service.removeConn(c)
		}
		c.engine.connectionDead(c)
	}
}

// Send enqueues data for transmission. Valid only while ACTIVE; returns
// false otherwise (mirrors nfc_peer_connection_send's state guard).
func (c *Connection) Send(data []byte) bool {
	if c.state != StateActive || len(data) == 0 {
		return false
	}
	c.sendQueue = append(c.sendQueue, data)
	c.idle = false
	c.flush()
	return true
}

// Disconnect begins an orderly shutdown: DISC is sent and the connection
// moves to DISCONNECTING, awaiting the peer's DM.
func (c *Connection) Disconnect() {
	switch c.state {
	case StateActive, StateConnecting:
		c.setState(StateDisconnecting)
		c.engine.submitRaw(llcp.EncodeDISC(c.remoteSAP, c.localSAP))
	case StateAccepting:
		c.Cancel()
	}
}

// Cancel abandons a connection still awaiting the application's
// accept/reject decision (ACCEPTING) or still awaiting the peer's CC/DM
// (CONNECTING). A CONNECTING connection reports ConnectCancelled to its
// connect-completion callback, which doneOnce lets fire at most once per
// connection; an ACCEPTING connection gets AcceptCancelled followed by
// StateChanged for its move to Dead.
func (c *Connection) Cancel() {
	switch c.state {
	case StateConnecting:
		// The CONNECT PDU already went out, so the peer may still answer
		// with a CC or DM. Stay ABANDONED (not DEAD) until one arrives, so
		// the engine's connectByLSAP entry survives long enough to send a
		// DISC to a peer that accepts after we've already given up
		// locally (handleCC/handleDM finish the teardown).
		c.completeConnect(ConnectCancelled)
		c.setState(StateAbandoned)
	case StateAccepting:
		c.setState(StateAbandoned)
		c.engine.submitRaw(llcp.EncodeDM(c.remoteSAP, c.localSAP, llcp.DMReject))
		if c.Handler != nil {
			c.Handler.AcceptCancelled(c)
		}
		c.setState(StateDead)
	}
}

func (c *Connection) completeConnect(r ConnectResult) {
	if c.doneOnce {
		return
	}
	c.doneOnce = true
	if c.onConnectDone != nil {
		c.onConnectDone(c, r)
	}
}

// flush drains sendQueue into at most one not-yet-wire-sent I-PDU, honoring
// both the peer's receive window (lrw) and the peer's receive MIU (rmiu).
// It is intentionally narrow: ported from nfc_peer_connection_flush, it
// queues one frame and relies on the engine re-invoking it once that frame
// actually leaves the wire (Engine.trySend's post-send callback) and on RR
// arrival (handleRR) to keep the window filling. This indirection, not a
// single big loop, is what lets up to lrw I-PDUs be in flight at once.
func (c *Connection) flush() {
	if c.state != StateActive {
		return
	}
	if c.engine.iPDUQueued(c) {
		return
	}
	outstanding := (c.vs - c.vsa) & 0x0f
	if outstanding >= c.effectiveRW() {
		return
	}
	if len(c.sendQueue) == 0 {
		c.notifyIdle()
		return
	}
	payload := c.nextFragment()
	if payload == nil {
		return
	}
	ns, nr := c.vs, c.vr
	c.vs = (c.vs + 1) & 0x0f
	c.vra = c.vr
	raw := llcp.EncodeI(c.remoteSAP, c.localSAP, ns, nr, payload)
	c.engine.submitIPDU(c, raw)
}

func (c *Connection) effectiveRW() uint8 {
	if c.lrw == 0 {
		return 1
	}
	return c.lrw
}

// nextFragment pops the next up-to-MIU chunk to send, concatenating
// multiple queued application payloads into one I-PDU's worth of bytes
// when several small sends are pending (NFCForum-TS-LLCP_1.1 §5.6's
// fragmentation rule runs in both directions: one payload may be split
// across several I-PDUs, or several payloads may share one).
func (c *Connection) nextFragment() []byte {
	miu := int(c.MIU())
	if len(c.sendQueue) == 0 {
		return nil
	}
	out := make([]byte, 0, miu)
	for len(c.sendQueue) > 0 && len(out) < miu {
		head := c.sendQueue[0]
		room := miu - len(out)
		if len(head) <= room {
			out = append(out, head...)
			c.sendQueue = c.sendQueue[1:]
			if c.Handler != nil {
				c.Handler.DataDequeued(c)
			}
		} else {
			out = append(out, head[:room]...)
			c.sendQueue[0] = head[room:]
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Connection) notifyIdle() {
	if c.idle {
		return
	}
	c.idle = true
}

// deliver hands an in-sequence I-PDU payload to Handler.DataReceived,
// without accumulating it first. LLCP does not delimit message
// boundaries below the application layer, so by default each I-PDU's
// payload is delivered as received; a byte-stream consumer (package
// socket) simply treats every delivery as more stream bytes.
func (c *Connection) deliver(payload []byte) {
	if c.Handler != nil {
		c.Handler.DataReceived(c, payload)
	}
}

// handleI processes an arriving I-PDU. c.vsa is updated unconditionally
// from the PDU's own piggybacked N(R) before validating N(S) against
// V(R): an out-of-sequence N(S) does not invalidate the sender's ack of
// our own outbound traffic. On success V(R) advances and the payload is
// delivered; on mismatch an FRMR[S] is raised describing the connection's
// state as it stood at rejection time. Either way flush() runs afterward,
// since accepting an I-PDU changes V(R) (acked in our next I or RR) and a
// successful accept may also have freed window capacity via the peer's
// N(R).
func (c *Connection) handleI(ns, nr uint8, payload []byte) {
	c.vsa = nr
	if ns != c.vr {
		c.engine.submitRaw(llcp.EncodeFRMR(c.remoteSAP, c.localSAP, llcp.FRMRFlagS, llcp.I,
			(ns<<4)|nr, (c.vs<<4)|c.vr, (c.vsa<<4)|c.vra))
		logger.Printf(logger.WARN, "[peer] FRMR: connection %d<-%d N(S)=%d expected %d", c.localSAP, c.remoteSAP, ns, c.vr)
		c.flush()
		return
	}
	c.vr = (c.vr + 1) & 0x0f
	c.deliver(payload)
	c.flush()
	c.ack(false)
}

// ack implements the standalone-acknowledgement rule of the receive path
// (NFCForum-TS-LLCP_1.1 §5.6.2): once V(R) has advanced past what was last
// acknowledged, an RR (or, with last set, RNR) must be sent even if there
// is no outbound data to piggyback the N(R) on — flush() only acks when it
// has an I-PDU to send, so a connection that is itself idle while
// receiving would otherwise never reopen the peer's window. Ported from
// nfc_llc_ack_internal, called unconditionally from handle_i.
func (c *Connection) ack(last bool) {
	if c.vra == c.vr {
		return
	}
	c.vra = c.vr
	if last {
		c.engine.submitRaw(llcp.EncodeRNR(c.remoteSAP, c.localSAP, c.vr))
	} else {
		c.engine.submitRaw(llcp.EncodeRR(c.remoteSAP, c.localSAP, c.vr))
	}
}

// handleRR processes a received-ready PDU: advance V(SA) to the piggybacked
// N(R) and retry flush, since the peer may just have opened window room.
func (c *Connection) handleRR(nr uint8) {
	c.vsa = nr
	c.flush()
}

// handleRNR is handled identically to handleRR: the reference
// implementation never actually suspends sending on RNR (no backpressure
// state is tracked), so Receiver-Not-Ready is acknowledged but otherwise
// has no distinct effect here. This is a deliberate, documented carry-over
// of that behavior rather than a real RNR implementation.
func (c *Connection) handleRNR(nr uint8) {
	c.handleRR(nr)
}
