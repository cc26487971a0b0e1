// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

// Package transport provides the MAC stand-in: a length-prefixed packet
// framing over a byte-stream connection (TCP, or any net.Conn), playing
// the role of the NFC-DEP transport the LLC engine in package peer is
// deliberately agnostic about. Real RF/MAC transport is out of scope;
// this exists only so cmd/nfcd has something concrete to dial or listen
// on when exercising the engine end-to-end.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// MaxPacketSize bounds a single framed packet to what the 2-byte length
// prefix can express, generous relative to llcp.MIUMax plus header/TLV
// overhead.
const MaxPacketSize = 1<<16 - 1

// PacketConn frames whole packets over a net.Conn as a 2-byte big-endian
// length prefix followed by that many payload bytes. It implements
// peer.PacketConn.
type PacketConn struct {
	conn net.Conn
}

// NewPacketConn wraps an already-established net.Conn.
func NewPacketConn(conn net.Conn) *PacketConn {
	return &PacketConn{conn: conn}
}

// ReadPacket reads one length-prefixed packet.
func (p *PacketConn) ReadPacket() ([]byte, error) {
	var hdr [2]byte
	if err := readFull(p.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > MaxPacketSize {
		return nil, fmt.Errorf("transport: packet too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if err := readFull(p.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePacket writes one length-prefixed packet.
func (p *PacketConn) WritePacket(b []byte) error {
	if len(b) > MaxPacketSize {
		return fmt.Errorf("transport: packet too large (%d bytes)", len(b))
	}
	hdr := make([]byte, 2, 2+len(b))
	binary.BigEndian.PutUint16(hdr, uint16(len(b)))
	_, err := p.conn.Write(append(hdr, b...))
	return err
}

// Close closes the underlying connection.
func (p *PacketConn) Close() error { return p.conn.Close() }

// CloseOnDone closes the connection when ctx is cancelled, so a blocked
// ReadPacket unblocks with an error instead of hanging past shutdown.
func (p *PacketConn) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = p.conn.Close()
	}()
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
