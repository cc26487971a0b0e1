package peer

import "sync"

// fakeAdaptor is a synchronous, in-memory IOAdaptor pair used to exercise
// the engine and connection state machines without a real MAC transport.
// CanSend always reporting true means a burst of queued I-PDUs drains in
// one trySend call, exactly as an infinitely fast MAC would: the window
// (lrw) is still respected, since Connection.flush only ever enqueues one
// not-yet-sent frame per call and relies on the post-send re-flush to
// queue the next one.
type fakeAdaptor struct {
	events chan Event
	peer   *fakeAdaptor

	mu     sync.Mutex
	closed bool
}

func newFakeLink() (a, b *fakeAdaptor) {
	a = &fakeAdaptor{events: make(chan Event, 64)}
	b = &fakeAdaptor{events: make(chan Event, 64)}
	a.peer = b
	b.peer = a
	return
}

func (f *fakeAdaptor) Events() <-chan Event { return f.events }

func (f *fakeAdaptor) CanSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeAdaptor) Send(pdu []byte) bool {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return false
	}
	cp := append([]byte(nil), pdu...)
	f.peer.events <- Event{Kind: EvRecv, Data: cp}
	f.events <- Event{Kind: EvCanSend}
	return true
}

func (f *fakeAdaptor) Close() error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.mu.Unlock()
	return nil
}
