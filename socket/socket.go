// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

// Package socket provides a byte-stream façade over a package peer
// Connection (design notes §9.3): LLCP already guarantees in-order,
// reliable delivery within one connection, so a socket only needs to turn
// discrete I-PDU deliveries into a continuous io.Reader and continuous
// Write calls into (possibly many) Connection.Send chunks.
package socket

import (
	"errors"
	"io"
	"sync"

	"github.com/sailfishos/nfcd/peer"
)

// DefaultMaxSendQueue is the default backpressure ceiling on unsent bytes
// buffered inside a Socket's Write path.
const DefaultMaxSendQueue = 128 * 1024

// ErrSendQueueFull is returned by Write when MaxSendQueue would be
// exceeded.
var ErrSendQueueFull = errors.New("socket: send queue full")

// ErrClosed is returned by Read/Write after the socket's connection has
// gone Dead.
var ErrClosed = errors.New("socket: connection closed")

// Socket adapts a peer.Connection to io.ReadWriteCloser. Construct one with
// New (attached to an already-established Connection, e.g. returned by
// Engine.Connect's callback) or have a Service's NewHandler build one for
// each inbound ACCEPTING connection.
type Socket struct {
	peer.DefaultHandler

	conn *peer.Connection

	mu          sync.Mutex
	maxSendQ    int
	sendQBytes  int
	pr          *io.PipeReader
	pw          *io.PipeWriter
	closed      bool
}

// New wraps conn in a byte-stream Socket. maxSendQueue <= 0 uses
// DefaultMaxSendQueue.
func New(conn *peer.Connection, maxSendQueue int) *Socket {
	if maxSendQueue <= 0 {
		maxSendQueue = DefaultMaxSendQueue
	}
	pr, pw := io.Pipe()
	s := &Socket{conn: conn, maxSendQ: maxSendQueue, pr: pr, pw: pw}
	conn.Handler = s
	return s
}

// Accept always accepts: a Socket is only ever attached to a connection
// the application has already decided to serve as a byte stream.
func (s *Socket) Accept(*peer.Connection) bool { return true }

// DataReceived implements peer.Handler: feed delivered payload bytes into
// the read side of the pipe. This runs on the engine's single goroutine,
// so it must not block; io.Pipe's Write blocks until a Read drains it,
// which is why delivery happens on a short-lived goroutine per call
// instead of inline.
func (s *Socket) DataReceived(_ *peer.Connection, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	go func() {
		_, _ = s.pw.Write(cp)
	}()
}

// DataDequeued implements peer.Handler: release backpressure accounting as
// Connection.flush consumes queued send data. The exact byte count freed
// isn't visible from here, so Write tracks its own accounting instead;
// this callback is a no-op but kept explicit since Handler requires it.
func (s *Socket) DataDequeued(*peer.Connection) {}

// StateChanged implements peer.Handler: tear down the pipe once the
// connection dies so blocked Read/Write calls unblock with an error.
func (s *Socket) StateChanged(c *peer.Connection) {
	if c.State() != peer.StateDead {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.pw.CloseWithError(ErrClosed)
}

// Read implements io.Reader, returning delivered connection payload bytes.
func (s *Socket) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Write implements io.Writer. It fails fast with ErrSendQueueFull rather
// than blocking indefinitely if the connection's peer stops acknowledging,
// since an unbounded buffer here would just move the backpressure problem
// from the wire to the heap.
func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.sendQBytes+len(p) > s.maxSendQ {
		s.mu.Unlock()
		return 0, ErrSendQueueFull
	}
	s.sendQBytes += len(p)
	s.mu.Unlock()

	if !s.conn.Send(p) {
		s.mu.Lock()
		s.sendQBytes -= len(p)
		s.mu.Unlock()
		return 0, ErrClosed
	}
	return len(p), nil
}

// Close implements io.Closer by issuing an orderly LLCP disconnect.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Disconnect()
	return s.pw.Close()
}
