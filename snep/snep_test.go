package snep

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nfcd/peer"
)

const testTimeout = 2 * time.Second

type fakeAdaptor struct {
	events chan peer.Event
	other  *fakeAdaptor

	mu     sync.Mutex
	closed bool
}

func newFakeLink() (a, b *fakeAdaptor) {
	a = &fakeAdaptor{events: make(chan peer.Event, 64)}
	b = &fakeAdaptor{events: make(chan peer.Event, 64)}
	a.other, b.other = b, a
	return
}

func (f *fakeAdaptor) Events() <-chan peer.Event { return f.events }

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
	f.other.events <- peer.Event{Kind: peer.EvRecv, Data: cp}
	f.events <- peer.Event{Kind: peer.EvCanSend}
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

type passthroughCodec struct{}

func (passthroughCodec) Decode(b []byte) (interface{}, error) { return b, nil }

func buildPair(t *testing.T, server *Server) (client *peer.Connection, doneCodec chan struct{}) {
	t.Helper()
	ioa, iob := newFakeLink()
	ra, rb := peer.NewRegistry(), peer.NewRegistry()
	ea := peer.New(ioa, ra)
	eb := peer.New(iob, rb)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ea.Run(ctx)
	go eb.Run(ctx)

	require.NoError(t, eb.Register(server.Service()))

	done := make(chan peer.ConnectResult, 1)
	client = ea.ConnectSN(peer.NewService("", 0), "urn:nfc:sn:snep", peer.DefaultHandler{}, func(c *peer.Connection, r peer.ConnectResult) {
		done <- r
	})
	select {
	case r := <-done:
		require.Equal(t, peer.ConnectSuccess, r)
	case <-time.After(testTimeout):
		t.Fatal("CONNECT to SNEP service never completed")
	}
	return client, nil
}

func snepRequest(code uint8, body []byte) []byte {
	hdr := make([]byte, headerLen, headerLen+len(body))
	hdr[0] = Version
	hdr[1] = code
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(body)))
	return append(hdr, body...)
}

func TestPutReceivesSuccessResponse(t *testing.T) {
	var gotRecord []byte
	recordCh := make(chan []byte, 1)
	srv := &Server{
		Codec: passthroughCodec{},
		OnPut: func(_ *peer.Connection, record interface{}) error {
			gotRecord = record.([]byte)
			recordCh <- gotRecord
			return nil
		},
	}
	client, _ := buildPair(t, srv)

	resp := make(chan []byte, 1)
	client.Handler = recorderHandler{out: resp}
	require.True(t, client.Send(snepRequest(ReqPut, []byte("ndef-bytes"))))

	select {
	case <-recordCh:
	case <-time.After(testTimeout):
		t.Fatal("Put was never delivered to OnPut")
	}
	require.Equal(t, []byte("ndef-bytes"), gotRecord)

	select {
	case r := <-resp:
		require.GreaterOrEqual(t, len(r), headerLen)
		require.Equal(t, RespSuccess, r[1])
	case <-time.After(testTimeout):
		t.Fatal("no SNEP response received")
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	srv := &Server{Codec: passthroughCodec{}}
	client, _ := buildPair(t, srv)

	resp := make(chan []byte, 1)
	client.Handler = recorderHandler{out: resp}

	bad := snepRequest(ReqPut, []byte("x"))
	bad[0] = 0x20 // major version 2
	require.True(t, client.Send(bad))

	select {
	case r := <-resp:
		require.Equal(t, RespUnsupportedVersion, r[1])
	case <-time.After(testTimeout):
		t.Fatal("no SNEP response received")
	}
}

func TestFragmentedPutAccumulates(t *testing.T) {
	recordCh := make(chan []byte, 1)
	srv := &Server{
		Codec: passthroughCodec{},
		OnPut: func(_ *peer.Connection, record interface{}) error {
			recordCh <- record.([]byte)
			return nil
		},
	}
	client, _ := buildPair(t, srv)
	client.Handler = recorderHandler{out: make(chan []byte, 4)}

	full := snepRequest(ReqPut, []byte("0123456789"))
	require.True(t, client.Send(full[:8]))
	require.True(t, client.Send(full[8:]))

	select {
	case got := <-recordCh:
		require.Equal(t, []byte("0123456789"), got)
	case <-time.After(testTimeout):
		t.Fatal("fragmented Put never completed")
	}
}

type recorderHandler struct {
	peer.DefaultHandler
	out chan []byte
}

func (r recorderHandler) DataReceived(_ *peer.Connection, data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case r.out <- cp:
	default:
	}
}
