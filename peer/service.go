// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

// Package peer implements the LLCP peer-to-peer connection substrate: the
// service registry, the per-connection state machine and the link control
// (LLC) engine that binds them together. The package layout mirrors the
// teacher's gnunet-go/core package (peer registry + connection + event
// dispatch driven by a single pump goroutine), generalized from one GNUnet
// transport link to one NFC LLCP link.
package peer

import (
	"errors"
	"fmt"

	"github.com/sailfishos/nfcd/llcp"
)

// Errors returned by service registration.
var (
	ErrReservedName   = errors.New("peer: service name is reserved")
	ErrDuplicateName  = errors.New("peer: service name already registered")
	ErrDuplicateSAP   = errors.New("peer: SAP already in use")
	ErrSAPRangeFull   = errors.New("peer: no free SAP in range")
	ErrInvalidUserSAP = errors.New("peer: SAP 0 is not valid for a user service")
)

// Handler is the capability interface a connection's owner supplies to
// react to connection-level events. This is the "small vtable" the design
// notes describe: concrete roles (a raw PDU consumer, the byte-stream
// socket façade in package socket, the SNEP connection in package snep)
// each implement it instead of subclassing PeerConnection.
type Handler interface {
	// Accept is consulted for an ACCEPTING connection and returns true to
	// send CC, false to send DM[REJECT]. Called synchronously, once.
	Accept(c *Connection) bool
	// AcceptCancelled fires when an ACCEPTING connection is cancelled
	// locally (Cancel or Disconnect) before it was accepted. A DISC, DM or
	// FRMR from the peer does not trigger it.
	AcceptCancelled(c *Connection)
	// StateChanged fires on every state transition, including the final
	// transition into Dead.
	StateChanged(c *Connection)
	// DataReceived fires once per delivered I-PDU payload, in order.
	DataReceived(c *Connection, data []byte)
	// DataDequeued fires each time a queued Send payload has been wholly
	// taken into outgoing I-PDUs. Payloads dropped when the connection is
	// torn down do not fire it.
	DataDequeued(c *Connection)
}

// DefaultHandler provides no-op implementations; embed it to implement
// only the callbacks a variant cares about.
type DefaultHandler struct{}

func (DefaultHandler) Accept(*Connection) bool            { return true }
func (DefaultHandler) AcceptCancelled(*Connection)        {}
func (DefaultHandler) StateChanged(*Connection)           {}
func (DefaultHandler) DataReceived(*Connection, []byte)   {}
func (DefaultHandler) DataDequeued(*Connection)           {}

// Service is a named (or anonymous) LLCP service endpoint bound to a SAP.
// A Service is created by the application, registered with an Engine
// (which assigns sap if it is zero and the name isn't one of the reserved
// names that pin a SAP), and unregistered explicitly. It holds only weak
// (non-owning, rebuildable) back-references to its connections: the
// engine's conn_table is the single source of truth; Service.conns is just
// a convenience cache kept in sync by the engine.
type Service struct {
	Name string
	SAP  uint8

	// NewHandler builds a Handler for an incoming (ACCEPTING) connection
	// bound to this service. A nil NewHandler means incoming connections
	// are auto-accepted with a DefaultHandler (suitable for a send-only
	// service that never expects an incoming CONNECT).
	NewHandler func(c *Connection) Handler

	// OnPeerArrived and OnPeerLeft are optional link-level observers,
	// independent of any particular connection.
	OnPeerArrived func()
	OnPeerLeft    func()

	conns map[connKey]*Connection
}

// NewService creates a service with the given name (empty for an
// anonymous/dynamic service) and optional fixed SAP (0 to let the
// registry assign one).
func NewService(name string, sap uint8) *Service {
	return &Service{Name: name, SAP: sap, conns: make(map[connKey]*Connection)}
}

func (s *Service) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s(sap=%d)", s.Name, s.SAP)
	}
	return fmt.Sprintf("sap=%d", s.SAP)
}

func (s *Service) addConn(c *Connection)    { s.conns[c.key()] = c }
func (s *Service) removeConn(c *Connection) { delete(s.conns, c.key()) }

// Connections returns the service's currently active connections.
func (s *Service) Connections() []*Connection {
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Registry is the fixed-size (by SAP range) table of services bound to one
// link. Registration follows NFCForum-TS-LLCP_1.1 §4.1's SAP ranges:
// 0x00-0x0F well-known (SDP=1 reserved for the engine itself, SNEP pinned
// to 4), 0x10-0x1F assigned to named services, 0x20-0x3F assigned to
// anonymous/dynamic services.
type Registry struct {
	bySAP  [llcp.SAPMax + 1]*Service
	byName map[string]*Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Service)}
}

// Add registers a service, assigning its SAP if Service.SAP is zero.
func (r *Registry) Add(s *Service) error {
	if s.Name == llcp.SNSDP {
		return ErrReservedName
	}
	if s.Name == llcp.SNSNEP {
		s.SAP = llcp.SAPSNEP
	}
	if s.Name != "" {
		if _, dup := r.byName[s.Name]; dup {
			return ErrDuplicateName
		}
	}
	if s.SAP != 0 {
		if s.SAP > llcp.SAPMax || r.bySAP[s.SAP] != nil {
			return ErrDuplicateSAP
		}
	} else if s.Name != "" {
		sap, err := r.firstFree(llcp.SAPNamedMin, llcp.SAPNamedMax)
		if err != nil {
			return err
		}
		s.SAP = sap
	} else {
		sap, err := r.firstFree(llcp.SAPUnnamedMin, llcp.SAPUnnamedMax)
		if err != nil {
			return err
		}
		s.SAP = sap
	}
	if s.SAP == 0 {
		return ErrInvalidUserSAP
	}
	r.bySAP[s.SAP] = s
	if s.Name != "" {
		r.byName[s.Name] = s
	}
	return nil
}

func (r *Registry) firstFree(lo, hi uint8) (uint8, error) {
	for sap := lo; sap <= hi; sap++ {
		if r.bySAP[sap] == nil {
			return sap, nil
		}
	}
	return 0, ErrSAPRangeFull
}

// Remove unregisters a service.
func (r *Registry) Remove(s *Service) {
	if s == nil {
		return
	}
	if r.bySAP[s.SAP] == s {
		r.bySAP[s.SAP] = nil
	}
	if s.Name != "" {
		delete(r.byName, s.Name)
	}
}

// FindByName returns the service registered under the given name.
func (r *Registry) FindByName(name string) (*Service, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// FindBySAP returns the service bound to the given SAP.
func (r *Registry) FindBySAP(sap uint8) (*Service, bool) {
	if sap > llcp.SAPMax {
		return nil, false
	}
	s := r.bySAP[sap]
	return s, s != nil
}

// WKS returns the well-known-service bitmap covering all registered
// services with a SAP in [0, 15].
func (r *Registry) WKS() uint16 {
	var wks uint16
	for sap := uint8(0); sap <= llcp.SAPWellKnownMax; sap++ {
		if r.bySAP[sap] != nil {
			wks |= 1 << sap
		}
	}
	return wks
}

// Copy clones the registry's SAP/name tables for building a per-link view;
// the referenced Services themselves are shared (refcounted by the
// application, not by this registry).
func (r *Registry) Copy() *Registry {
	nr := NewRegistry()
	for sap, s := range r.bySAP {
		if s != nil {
			nr.bySAP[sap] = s
		}
	}
	for name, s := range r.byName {
		nr.byName[name] = s
	}
	return nr
}

// NotifyPeerArrived notifies every registered service that the link has
// reached ACTIVE state for the first time.
func (r *Registry) NotifyPeerArrived() {
	for _, s := range r.bySAP {
		if s != nil && s.OnPeerArrived != nil {
			s.OnPeerArrived()
		}
	}
}

// NotifyPeerLeft notifies every registered service that the link has gone
// terminal (ERROR or PEER_LOST).
func (r *Registry) NotifyPeerLeft() {
	for _, s := range r.bySAP {
		if s != nil && s.OnPeerLeft != nil {
			s.OnPeerLeft()
		}
	}
}
