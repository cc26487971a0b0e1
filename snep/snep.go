// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

// Package snep implements a Put-only NFC Forum Simple NDEF Exchange
// Protocol (SNEP 1.0) server over an LLCP connection-oriented transport
// provided by package peer. Get, fragmentation-initiated-by-server and
// the full SNEP client role are out of scope; this is the "answer
// whatever gets Put to us" server a tag-writing or beaming peer talks to.
package snep

import (
	"github.com/bfix/gospel/data"
	"github.com/bfix/gospel/logger"

	"github.com/sailfishos/nfcd/peer"
)

// wireHeader is SNEP's fixed 6-byte header (TS-SNEP_1.0 §3), decoded and
// encoded with the teacher's struct-tag binary marshaller rather than
// hand-rolled byte packing, the same way message.MessageHeader is used
// throughout the teacher's wire-format types.
type wireHeader struct {
	Version uint8
	Code    uint8
	Length  uint32 `order:"big"`
}

// Version is the SNEP version this server speaks (NFCForum-TS-SNEP_1.0).
const Version = 0x10

// Request codes (TS-SNEP_1.0 §3.1).
const (
	ReqContinue uint8 = 0x00
	ReqGet      uint8 = 0x01
	ReqPut      uint8 = 0x02
	ReqReject   uint8 = 0x7f
)

// Response codes (TS-SNEP_1.0 §3.2).
const (
	RespContinue           uint8 = 0x80
	RespSuccess            uint8 = 0x81
	RespNotFound           uint8 = 0xc0
	RespExcessData         uint8 = 0xc1
	RespBadRequest         uint8 = 0xc2
	RespNotImplemented     uint8 = 0xe0
	RespUnsupportedVersion uint8 = 0xe1
	RespReject             uint8 = 0xff
)

const headerLen = 6

// DefaultMaxMessage caps a single accepted SNEP message, guarding against a
// peer that declares an enormous length and then trickles bytes forever.
const DefaultMaxMessage = 1 << 20

// Codec turns a raw NDEF message buffer into an application-level record
// tree. NDEF parsing itself is out of scope for this daemon; Codec is the
// seam a real NDEF implementation plugs into. Decode's return value is
// opaque to this package and passed straight to OnPut.
type Codec interface {
	Decode(ndef []byte) (interface{}, error)
}

// Server builds a peer.Handler for each inbound connection to the SNEP
// well-known service, and dispatches completed Put messages to OnPut.
type Server struct {
	Codec      Codec
	MaxMessage int
	// OnPut is called once per fully received Put message, decoded via
	// Codec. A non-nil error makes the server reply BAD_REQUEST instead
	// of SUCCESS.
	OnPut func(c *peer.Connection, record interface{}) error
	// Metrics, if set, is notified once per completed Put.
	Metrics interface{ SNEPPutServed(bytes int) }
}

// Service builds the registered peer.Service for this server, named
// urn:nfc:sn:snep and pinned to the well-known SNEP SAP by Registry.Add.
func (s *Server) Service() *peer.Service {
	svc := peer.NewService("urn:nfc:sn:snep", 0)
	svc.NewHandler = func(c *peer.Connection) peer.Handler {
		return &conn{server: s, c: c}
	}
	return svc
}

// conn accumulates one SNEP connection's in-flight request across
// however many I-PDU deliveries it takes to arrive, per NFCForum-TS-SNEP_1.0
// §4's fragmentation allowance.
type conn struct {
	peer.DefaultHandler

	server *Server
	c      *peer.Connection

	buf          []byte
	haveHeader   bool
	version      uint8
	code         uint8
	length       uint32
	sentContinue bool
}

func (c *conn) Accept(*peer.Connection) bool { return true }

func (c *conn) maxMessage() int {
	if c.server.MaxMessage > 0 {
		return c.server.MaxMessage
	}
	return DefaultMaxMessage
}

func (c *conn) DataReceived(_ *peer.Connection, chunk []byte) {
	c.buf = append(c.buf, chunk...)
	if !c.haveHeader {
		if len(c.buf) < headerLen {
			return
		}
		var hdr wireHeader
		if err := data.Unmarshal(&hdr, c.buf[:headerLen]); err != nil {
			logger.Printf(logger.WARN, "[snep] malformed header: %v", err)
			c.c.Disconnect()
			return
		}
		c.version = hdr.Version
		c.code = hdr.Code
		c.length = hdr.Length
		c.buf = c.buf[headerLen:]
		c.haveHeader = true

		if c.version>>4 != Version>>4 {
			c.respond(RespUnsupportedVersion, nil)
			c.c.Disconnect()
			return
		}
		if c.code == ReqGet {
			c.respond(RespNotImplemented, nil)
			c.c.Disconnect()
			return
		}
		if c.code != ReqPut {
			c.respond(RespBadRequest, nil)
			c.c.Disconnect()
			return
		}
		if int(c.length) > c.maxMessage() {
			c.respond(RespExcessData, nil)
			c.c.Disconnect()
			return
		}
	}

	if uint32(len(c.buf)) < c.length {
		if !c.sentContinue {
			c.sentContinue = true
			c.respond(RespContinue, nil)
		}
		return
	}

	body := c.buf[:c.length]
	c.handlePut(body)
	c.reset()
	c.c.Disconnect()
}

func (c *conn) handlePut(body []byte) {
	var record interface{}
	var err error
	if c.server.Codec != nil {
		record, err = c.server.Codec.Decode(body)
	}
	if err != nil {
		logger.Printf(logger.WARN, "[snep] rejecting malformed NDEF message: %v", err)
		c.respond(RespBadRequest, nil)
		return
	}
	if c.server.OnPut != nil {
		if err := c.server.OnPut(c.c, record); err != nil {
			c.respond(RespBadRequest, nil)
			return
		}
	}
	if c.server.Metrics != nil {
		c.server.Metrics.SNEPPutServed(len(body))
	}
	c.respond(RespSuccess, nil)
}

func (c *conn) reset() {
	c.buf = nil
	c.haveHeader = false
	c.sentContinue = false
}

func (c *conn) respond(code uint8, info []byte) {
	hdr := wireHeader{Version: Version, Code: code, Length: uint32(len(info))}
	buf, err := data.Marshal(&hdr)
	if err != nil {
		logger.Printf(logger.ERROR, "[snep] failed to marshal response header: %v", err)
		return
	}
	buf = append(buf, info...)
	c.c.Send(buf)
}
