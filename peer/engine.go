// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package peer

import (
	"context"
	"fmt"

	"github.com/bfix/gospel/logger"

	"github.com/sailfishos/nfcd/llcp"
)

// LinkState is the LLC engine's own lifecycle state, distinct from any
// single Connection's State.
type LinkState uint8

const (
	LinkStart LinkState = iota
	LinkActive
	LinkError
	LinkPeerLost
)

func (s LinkState) String() string {
	switch s {
	case LinkStart:
		return "START"
	case LinkActive:
		return "ACTIVE"
	case LinkError:
		return "ERROR"
	case LinkPeerLost:
		return "PEER_LOST"
	default:
		return "?"
	}
}

// Metrics is the narrow instrumentation seam the engine calls into;
// package metrics implements it on top of a prometheus registry. Nil-safe:
// an Engine with no Metrics set simply skips every call.
type Metrics interface {
	PDUSent(t llcp.PTYPE)
	PDUReceived(t llcp.PTYPE)
	LinkStateChanged(s string)
}

type queuedPDU struct {
	data []byte
	conn *Connection // non-nil only for I-PDUs, so their owner can re-flush
}

type connectAttempt struct {
	conn *Connection
}

// Engine is the LLC link control engine: PDU dispatch, the connection
// table and the outbound PDU queue for exactly one NFC-DEP link. Per the
// cooperative scheduling model, all of an Engine's mutable state is only
// ever touched from the single goroutine running Run; application-facing
// methods (Connect, Register, ...) hand their work to that goroutine over
// cmds instead of mutating state directly, so the engine needs no locks.
type Engine struct {
	io       IOAdaptor
	Registry *Registry
	Metrics  Metrics

	localVersion uint8
	localMIU     uint16
	localLTO     uint16

	state    LinkState
	linkIdle bool

	connTable    map[connKey]*Connection
	connectByLSAP map[uint8]*connectAttempt
	pduQueue     []queuedPDU
	nextEphemeralSAP uint8

	// packetsHandled counts non-SYMM PDUs dispatched so far; lastIdleCheck
	// is its value as of the previous updateIdle call. Comparing the two
	// gives the "packets_handled_unchanged" term of the idleness test.
	packetsHandled  uint64
	lastIdleCheck   uint64

	cmds chan func()
	done chan struct{}

	stateListeners []func(LinkState)
	idleListeners  []func(bool)
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMIU overrides the default local receive MIU advertised to the peer.
func WithMIU(miu uint16) Option {
	return func(e *Engine) { e.localMIU = miu }
}

// WithLTO overrides the default link timeout advertised to the peer.
func WithLTO(ms uint16) Option {
	return func(e *Engine) { e.localLTO = ms }
}

// WithMetrics attaches an instrumentation sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.Metrics = m }
}

// New creates an Engine bound to the given IOAdaptor and service registry.
// Callers must start Run in its own goroutine before issuing any
// application-facing call (Register, Connect, ...): those calls hand their
// work to Run's loop over an internal channel and block until it executes,
// so nothing would ever service the request with no loop running yet.
func New(io IOAdaptor, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		io:               io,
		Registry:         registry,
		localVersion:     llcp.VersionDefault,
		localMIU:         llcp.MIUDefault,
		localLTO:         llcp.LTODefault,
		connTable:        make(map[connKey]*Connection),
		connectByLSAP:    make(map[uint8]*connectAttempt),
		cmds:             make(chan func(), 32),
		done:             make(chan struct{}),
		nextEphemeralSAP: llcp.SAPUnnamedMin,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the engine's current link state.
func (e *Engine) State() LinkState { return e.state }

// OnStateChanged registers an observer fired on every link state
// transition, including the entry into ACTIVE after Activate.
func (e *Engine) OnStateChanged(f func(LinkState)) { e.stateListeners = append(e.stateListeners, f) }

// OnIdleChanged registers an observer fired when the link as a whole
// transitions between idle (no non-SYMM PDU handled since the previous
// check, nothing in pduQueue, no CONNECT awaiting its answer) and busy.
func (e *Engine) OnIdleChanged(f func(bool)) { e.idleListeners = append(e.idleListeners, f) }

func (e *Engine) setState(s LinkState) {
	if e.state == s {
		return
	}
	e.state = s
	if e.Metrics != nil {
		e.Metrics.LinkStateChanged(s.String())
	}
	for _, f := range e.stateListeners {
		f(s)
	}
	if s == LinkActive {
		e.Registry.NotifyPeerArrived()
	} else if s == LinkError || s == LinkPeerLost {
		e.Registry.NotifyPeerLeft()
		for _, c := range e.connTable {
			c.sendQueue = nil
			c.setState(StateDead)
		}
		for _, a := range e.connectByLSAP {
			a.conn.completeConnect(ConnectFailed)
			a.conn.setState(StateDead)
		}
	}
}

// Activate completes link activation from the peer's general-bytes blob
// (the magic-prefixed parameter TLV list exchanged during NFC-DEP ATR).
// A VERSION mismatch in the major nibble is fatal (ERROR); the minor
// nibble and every other parameter are purely informational tuning.
func (e *Engine) Activate(peerGeneralBytes []byte) error {
	body, err := llcp.DecodeATR(peerGeneralBytes)
	if err != nil {
		e.setState(LinkError)
		return err
	}
	params := llcp.DecodeParams(body)
	if v, ok := llcp.Find(params, llcp.ParamVersion); ok {
		if v.Version>>4 != e.localVersion>>4 {
			e.setState(LinkError)
			return fmt.Errorf("peer: LLCP major version mismatch (peer %x, local %x)", v.Version, e.localVersion)
		}
	}
	e.setState(LinkActive)
	logger.Println(logger.INFO, "[peer] link activated")
	return nil
}

// LocalGeneralBytes builds this engine's own general-bytes blob for link
// activation (VERSION, WKS from the registry, LTO, and MIUX if non-default).
func (e *Engine) LocalGeneralBytes() []byte {
	params := []llcp.Param{
		llcp.VersionParam(e.localVersion>>4, e.localVersion&0x0f),
		llcp.WKSParam(e.Registry.WKS()),
		llcp.LTOParam(e.localLTO),
	}
	if e.localMIU != llcp.MIUDefault {
		params = append(params, llcp.MIUXParam(e.localMIU))
	}
	return llcp.EncodeATR(params)
}

// Run is the engine's single event loop goroutine. It returns when ctx is
// cancelled or the IOAdaptor's event channel closes.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-e.cmds:
			if !ok {
				return
			}
			fn()
		case ev, ok := <-e.io.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EvCanSend:
				e.trySend()
			case EvRecv:
				e.onRecv(ev.Data)
			case EvError:
				e.setState(LinkPeerLost)
			}
		}
	}
}

// call funnels fn through the engine's single-goroutine command queue and
// blocks until it has run. Every exported application-facing method uses
// this so that no engine state is ever touched from two goroutines.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.done:
		return
	}
	select {
	case <-done:
	case <-e.done:
	}
}

// --- application-facing API -------------------------------------------------

// Register binds a service into the registry, assigning its SAP if unset.
func (e *Engine) Register(s *Service) (err error) {
	e.call(func() { err = e.Registry.Add(s) })
	return err
}

// Unregister removes a service from the registry.
func (e *Engine) Unregister(s *Service) {
	e.call(func() { e.Registry.Remove(s) })
}

// Connect initiates an outbound connection to a fixed remote SAP.
func (e *Engine) Connect(svc *Service, rsap uint8, h Handler, cb func(*Connection, ConnectResult)) *Connection {
	var c *Connection
	e.call(func() { c = e.connectLocked(svc, rsap, "", h, cb) })
	return c
}

// ConnectSN initiates an outbound connection addressed by service name,
// via the well-known SDP SAP.
func (e *Engine) ConnectSN(svc *Service, sn string, h Handler, cb func(*Connection, ConnectResult)) *Connection {
	var c *Connection
	e.call(func() { c = e.connectLocked(svc, llcp.SAPSDP, sn, h, cb) })
	return c
}

func (e *Engine) connectLocked(svc *Service, rsap uint8, sn string, h Handler, cb func(*Connection, ConnectResult)) *Connection {
	lsap := e.allocEphemeralSAP()
	c := &Connection{
		engine:        e,
		Service:       svc,
		Handler:       h,
		localSAP:      lsap,
		remoteSAP:     rsap,
		state:         StateConnecting,
		miu:           e.localMIU,
		rw:            llcp.RWDefault,
		onConnectDone: cb,
	}
	e.connectByLSAP[lsap] = &connectAttempt{conn: c}
	params := []llcp.Param{llcp.MIUXParam(c.miu), llcp.RWParam(c.rw)}
	if sn != "" {
		params = append(params, llcp.SNParam(sn))
	}
	e.submitRaw(llcp.EncodeConnect(rsap, lsap, params, 0))
	return c
}

func (e *Engine) allocEphemeralSAP() uint8 {
	for i := 0; i <= llcp.SAPUnnamedMax-llcp.SAPUnnamedMin; i++ {
		sap := e.nextEphemeralSAP
		e.nextEphemeralSAP++
		if e.nextEphemeralSAP > llcp.SAPUnnamedMax {
			e.nextEphemeralSAP = llcp.SAPUnnamedMin
		}
		if _, busy := e.connectByLSAP[sap]; busy {
			continue
		}
		if _, busy := e.Registry.FindBySAP(sap); busy {
			continue
		}
		return sap
	}
	return llcp.SAPUnnamedMin
}

// --- outbound queue ----------------------------------------------------------

// submitRaw enqueues a non-I PDU (no owning connection to re-flush).
func (e *Engine) submitRaw(data []byte) {
	e.pduQueue = append(e.pduQueue, queuedPDU{data: data})
	e.linkIdle = false
	if e.io.CanSend() {
		e.trySend()
	}
}

// submitIPDU enqueues an I-PDU on behalf of conn, which will be re-flushed
// once this frame actually leaves the wire.
func (e *Engine) submitIPDU(conn *Connection, data []byte) {
	e.pduQueue = append(e.pduQueue, queuedPDU{data: data, conn: conn})
	e.linkIdle = false
	if e.io.CanSend() {
		e.trySend()
	}
}

// iPDUQueued reports whether conn already has an I-PDU sitting in
// pduQueue, not yet handed to the MAC. Connection.flush uses this to cap
// itself at one not-yet-sent frame per call; trySend's post-send re-flush
// (see below) is what lets the window fill incrementally across several
// physical transmissions instead of all at once.
func (e *Engine) iPDUQueued(conn *Connection) bool {
	for _, q := range e.pduQueue {
		if q.conn == conn {
			return true
		}
	}
	return false
}

// trySend drains pduQueue while the adaptor has room. Every successful
// send of an I-PDU re-invokes that connection's flush, since lrw may allow
// another frame now that this one has left pduQueue (mirrors
// nfc_llc_send_next_pdu's post-send nfc_peer_connection_flush call via the
// reversed conn_table lookup; here the owning connection is simply carried
// alongside the queued bytes instead of being re-derived from the header).
func (e *Engine) trySend() {
	for e.io.CanSend() && len(e.pduQueue) > 0 {
		q := e.pduQueue[0]
		e.pduQueue = e.pduQueue[1:]
		if !e.io.Send(q.data) {
			e.setState(LinkPeerLost)
			return
		}
		if e.Metrics != nil {
			if hdr, err := llcp.DecodeHeader(q.data); err == nil {
				e.Metrics.PDUSent(hdr.PType)
			}
		}
		if q.conn != nil {
			q.conn.flush()
		}
	}
	e.updateIdle()
}

// updateIdle implements spec's idle := packets_handled_unchanged &&
// pdu_queue_empty && connect_queue_empty, firing idle_changed on transition.
func (e *Engine) updateIdle() {
	unchanged := e.packetsHandled == e.lastIdleCheck
	e.lastIdleCheck = e.packetsHandled
	idle := unchanged && len(e.pduQueue) == 0 && len(e.connectByLSAP) == 0
	if idle == e.linkIdle {
		return
	}
	e.linkIdle = idle
	for _, f := range e.idleListeners {
		f(idle)
	}
}

// connectionDead removes a terminated connection from the tables it may
// still be reachable through.
func (e *Engine) connectionDead(c *Connection) {
	delete(e.connTable, c.key())
	if a, ok := e.connectByLSAP[c.localSAP]; ok && a.conn == c {
		delete(e.connectByLSAP, c.localSAP)
	}
}

// --- inbound dispatch ---------------------------------------------------------

func (e *Engine) onRecv(data []byte) {
	pdu, err := llcp.Decode(data)
	if err != nil {
		logger.Printf(logger.WARN, "[peer] dropping unparsable PDU: %v", err)
		return
	}
	e.dispatch(pdu)
	e.updateIdle()
}

func (e *Engine) dispatch(pdu llcp.PDU) {
	if e.Metrics != nil {
		e.Metrics.PDUReceived(pdu.Header.PType)
	}
	if pdu.Header.PType != llcp.SYMM {
		e.packetsHandled++
	}
	switch pdu.Header.PType {
	case llcp.SYMM:
		// keep-alive; nothing to do
	case llcp.AGF:
		for _, frame := range pdu.Frames {
			if sub, err := llcp.Decode(frame); err == nil {
				e.dispatch(sub)
			}
		}
	case llcp.PAX:
		// link parameter renegotiation mid-session: informational only
	case llcp.CONNECT:
		e.handleConnect(pdu)
	case llcp.CC:
		e.handleCC(pdu)
	case llcp.DM:
		e.handleDM(pdu)
	case llcp.DISC:
		e.handleDISC(pdu)
	case llcp.FRMR:
		e.handleFRMR(pdu)
	case llcp.I:
		e.handleI(pdu)
	case llcp.RR:
		e.handleRR(pdu)
	case llcp.RNR:
		e.handleRNR(pdu)
	case llcp.SNL:
		e.handleSNL(pdu)
	case llcp.UI:
		// connectionless service delivery is out of scope: no registered
		// service implements a datagram sink in this engine
	}
}

func (e *Engine) handleConnect(pdu llcp.PDU) {
	dsap := pdu.Header.DSAP
	ssap := pdu.Header.SSAP
	var svc *Service
	if dsap == llcp.SAPSDP {
		if sn, ok := llcp.Find(pdu.Params, llcp.ParamSN); ok {
			svc, _ = e.Registry.FindByName(sn.SN)
		}
	} else {
		svc, _ = e.Registry.FindBySAP(dsap)
	}
	if svc == nil {
		e.submitRaw(llcp.EncodeDM(ssap, dsap, llcp.DMNoService))
		return
	}
	if _, ok := e.connTable[connKey{local: svc.SAP, remote: ssap}]; ok {
		e.submitRaw(llcp.EncodeDM(ssap, svc.SAP, llcp.DMReject))
		return
	}
	miu := uint16(llcp.MIUDefault)
	if m, ok := llcp.Find(pdu.Params, llcp.ParamMIUX); ok {
		miu = m.MIU
	}
	rw := uint8(llcp.RWDefault)
	if r, ok := llcp.Find(pdu.Params, llcp.ParamRW); ok {
		rw = r.RW
	}
	c := &Connection{
		engine:    e,
		Service:   svc,
		localSAP:  svc.SAP,
		remoteSAP: ssap,
		state:     StateAccepting,
		miu:       e.localMIU,
		rw:        llcp.RWDefault,
		rmiu:      miu,
		lrw:       rw,
	}
	if svc.NewHandler != nil {
		c.Handler = svc.NewHandler(c)
	} else {
		c.Handler = DefaultHandler{}
	}
	if !c.Handler.Accept(c) {
		e.submitRaw(llcp.EncodeDM(ssap, svc.SAP, llcp.DMReject))
		return
	}
	e.connTable[c.key()] = c
	svc.addConn(c)
	params := []llcp.Param{llcp.MIUXParam(c.miu), llcp.RWParam(c.rw)}
	e.submitRaw(llcp.EncodeCC(ssap, svc.SAP, params, 0))
	c.setState(StateActive)
}

func (e *Engine) handleCC(pdu llcp.PDU) {
	att, ok := e.connectByLSAP[pdu.Header.DSAP]
	if !ok {
		return
	}
	c := att.conn
	delete(e.connectByLSAP, pdu.Header.DSAP)
	if c.state == StateAbandoned {
		// The application cancelled locally before this CC arrived; the
		// peer thinks a connection now exists, so tell it otherwise.
		e.submitRaw(llcp.EncodeDISC(pdu.Header.SSAP, pdu.Header.DSAP))
		c.setState(StateDead)
		return
	}
	c.remoteSAP = pdu.Header.SSAP
	if m, ok := llcp.Find(pdu.Params, llcp.ParamMIUX); ok {
		c.rmiu = m.MIU
	}
	if r, ok := llcp.Find(pdu.Params, llcp.ParamRW); ok {
		c.lrw = r.RW
	}
	e.connTable[c.key()] = c
	if c.Service != nil {
		c.Service.addConn(c)
	}
	c.setState(StateActive)
	c.completeConnect(ConnectSuccess)
}

func (e *Engine) handleDM(pdu llcp.PDU) {
	key := connKey{local: pdu.Header.DSAP, remote: pdu.Header.SSAP}
	if c, ok := e.connTable[key]; ok {
		c.sendQueue = nil
		c.setState(StateDead)
		return
	}
	if att, ok := e.connectByLSAP[pdu.Header.DSAP]; ok {
		c := att.conn
		delete(e.connectByLSAP, pdu.Header.DSAP)
		if c.state == StateAbandoned {
			c.setState(StateDead)
			return
		}
		result := ConnectFailed
		switch pdu.Reason {
		case llcp.DMReject:
			result = ConnectRejected
		case llcp.DMNoService:
			result = ConnectNoService
		}
		c.completeConnect(result)
		c.setState(StateDead)
	}
}

func (e *Engine) handleDISC(pdu llcp.PDU) {
	key := connKey{local: pdu.Header.DSAP, remote: pdu.Header.SSAP}
	if c, ok := e.connTable[key]; ok {
		e.submitRaw(llcp.EncodeDM(pdu.Header.SSAP, pdu.Header.DSAP, llcp.DMDiscReceived))
		c.sendQueue = nil
		c.setState(StateDead)
		return
	}
	// DISC to a SAP with no live connection: still owed a DM so the peer
	// doesn't wait on a connection we never had.
	e.submitRaw(llcp.EncodeDM(pdu.Header.SSAP, pdu.Header.DSAP, llcp.DMNotConnected))
}

func (e *Engine) handleFRMR(pdu llcp.PDU) {
	key := connKey{local: pdu.Header.DSAP, remote: pdu.Header.SSAP}
	if c, ok := e.connTable[key]; ok {
		logger.Printf(logger.ERROR, "[peer] FRMR received on connection %d<-%d, tearing down", c.localSAP, c.remoteSAP)
		c.sendQueue = nil
		c.setState(StateDead)
	}
}

func (e *Engine) handleI(pdu llcp.PDU) {
	key := connKey{local: pdu.Header.DSAP, remote: pdu.Header.SSAP}
	c, ok := e.connTable[key]
	if !ok {
		e.submitRaw(llcp.EncodeDM(pdu.Header.SSAP, pdu.Header.DSAP, llcp.DMNotConnected))
		return
	}
	c.handleI(pdu.NS, pdu.NR, pdu.Payload)
}

func (e *Engine) handleRR(pdu llcp.PDU) {
	key := connKey{local: pdu.Header.DSAP, remote: pdu.Header.SSAP}
	if c, ok := e.connTable[key]; ok {
		c.handleRR(pdu.NR)
	}
}

func (e *Engine) handleRNR(pdu llcp.PDU) {
	key := connKey{local: pdu.Header.DSAP, remote: pdu.Header.SSAP}
	if c, ok := e.connTable[key]; ok {
		c.handleRNR(pdu.NR)
	}
}

// handleSNL answers a minimal SDP request: a single SDREQ parameter naming
// a service by URN gets a single SDRES parameter back naming its SAP (0 if
// unknown). Batched multi-request SNL PDUs are answered one SDRES per
// SDREQ found, in order.
func (e *Engine) handleSNL(pdu llcp.PDU) {
	var resp []llcp.Param
	for _, p := range pdu.Params {
		if p.Type != llcp.ParamSDREQ {
			continue
		}
		sap := uint8(0)
		if svc, ok := e.Registry.FindByName(p.SDREQURI); ok {
			sap = svc.SAP
		}
		resp = append(resp, llcp.SDRESParam(p.SDREQTID, sap))
	}
	if len(resp) == 0 {
		return
	}
	e.submitRaw(llcp.EncodeSNL(pdu.Header.SSAP, pdu.Header.DSAP, resp, 0))
}
