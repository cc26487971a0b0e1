package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/nfcd/llcp"
)

const testTimeout = 2 * time.Second

type echoHandler struct {
	DefaultHandler
	received chan []byte
}

func (h *echoHandler) DataReceived(_ *Connection, data []byte) {
	cp := append([]byte(nil), data...)
	h.received <- cp
}

func newTestPair(t *testing.T) (ctx context.Context, a, b *Engine) {
	t.Helper()
	ioa, iob := newFakeLink()
	ra, rb := NewRegistry(), NewRegistry()
	a = New(ioa, ra)
	b = New(iob, rb)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	go b.Run(ctx)
	return ctx, a, b
}

func mustRecv(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for data")
		return nil
	}
}

func TestConnectBySAPAndEcho(t *testing.T) {
	_, a, b := newTestPair(t)

	recv := make(chan []byte, 8)
	svc := NewService("echo", 0x21)
	svc.NewHandler = func(c *Connection) Handler { return &echoHandler{received: recv} }
	require.NoError(t, b.Register(svc))

	done := make(chan ConnectResult, 1)
	var conn *Connection
	conn = a.Connect(NewService("", 0), 0x21, DefaultHandler{}, func(c *Connection, r ConnectResult) {
		done <- r
	})
	require.NotNil(t, conn)

	select {
	case r := <-done:
		require.Equal(t, ConnectSuccess, r)
	case <-time.After(testTimeout):
		t.Fatal("CONNECT never completed")
	}
	require.Equal(t, StateActive, conn.State())

	require.True(t, conn.Send([]byte("hello")))
	got := mustRecv(t, recv)
	require.Equal(t, []byte("hello"), got)
}

func TestConnectBySN(t *testing.T) {
	_, a, b := newTestPair(t)

	recv := make(chan []byte, 8)
	svc := NewService("urn:nfc:sn:example", 0)
	svc.NewHandler = func(c *Connection) Handler { return &echoHandler{received: recv} }
	require.NoError(t, b.Register(svc))

	done := make(chan ConnectResult, 1)
	conn := a.ConnectSN(NewService("", 0), "urn:nfc:sn:example", DefaultHandler{}, func(c *Connection, r ConnectResult) {
		done <- r
	})
	require.NotNil(t, conn)

	select {
	case r := <-done:
		require.Equal(t, ConnectSuccess, r)
	case <-time.After(testTimeout):
		t.Fatal("CONNECT never completed")
	}

	require.True(t, conn.Send([]byte("by name")))
	require.Equal(t, []byte("by name"), mustRecv(t, recv))
}

func TestConnectNoService(t *testing.T) {
	_, a, _ := newTestPair(t)

	done := make(chan ConnectResult, 1)
	a.Connect(NewService("", 0), 0x22, DefaultHandler{}, func(c *Connection, r ConnectResult) {
		done <- r
	})
	select {
	case r := <-done:
		require.Equal(t, ConnectNoService, r)
	case <-time.After(testTimeout):
		t.Fatal("CONNECT never completed")
	}
}

type rejectingHandler struct{ DefaultHandler }

func (rejectingHandler) Accept(*Connection) bool { return false }

func TestConnectRejected(t *testing.T) {
	_, a, b := newTestPair(t)

	svc := NewService("picky", 0x23)
	svc.NewHandler = func(c *Connection) Handler { return rejectingHandler{} }
	require.NoError(t, b.Register(svc))

	done := make(chan ConnectResult, 1)
	a.Connect(NewService("", 0), 0x23, DefaultHandler{}, func(c *Connection, r ConnectResult) {
		done <- r
	})
	select {
	case r := <-done:
		require.Equal(t, ConnectRejected, r)
	case <-time.After(testTimeout):
		t.Fatal("CONNECT never completed")
	}
}

func TestWindowedFragmentedSend(t *testing.T) {
	_, a, b := newTestPair(t)

	recv := make(chan []byte, 64)
	svc := NewService("bulk", 0x24)
	svc.NewHandler = func(c *Connection) Handler { return &echoHandler{received: recv} }
	require.NoError(t, b.Register(svc))

	done := make(chan ConnectResult, 1)
	conn := a.Connect(NewService("", 0), 0x24, DefaultHandler{}, func(c *Connection, r ConnectResult) {
		done <- r
	})
	select {
	case r := <-done:
		require.Equal(t, ConnectSuccess, r)
	case <-time.After(testTimeout):
		t.Fatal("CONNECT never completed")
	}

	// Drive several sends larger than a single I-PDU's worth of MIU so
	// they fragment, and enough of them to exceed a window of RWDefault
	// outstanding frames, exercising the flush/re-flush mechanism.
	var total []byte
	for i := 0; i < 10; i++ {
		chunk := make([]byte, int(conn.MIU())+50)
		for j := range chunk {
			chunk[j] = byte(i)
		}
		total = append(total, chunk...)
		require.True(t, conn.Send(chunk))
	}

	var gotAll []byte
	deadline := time.After(testTimeout)
	for len(gotAll) < len(total) {
		select {
		case d := <-recv:
			gotAll = append(gotAll, d...)
		case <-deadline:
			t.Fatalf("timed out: got %d of %d bytes", len(gotAll), len(total))
		}
	}
	require.Equal(t, total, gotAll)
}

func TestDisconnectGraceful(t *testing.T) {
	_, a, b := newTestPair(t)

	var bConn *Connection
	gotConn := make(chan struct{})
	svc := NewService("closing", 0x25)
	svc.NewHandler = func(c *Connection) Handler {
		bConn = c
		close(gotConn)
		return DefaultHandler{}
	}
	require.NoError(t, b.Register(svc))

	done := make(chan ConnectResult, 1)
	conn := a.Connect(NewService("", 0), 0x25, DefaultHandler{}, func(c *Connection, r ConnectResult) {
		done <- r
	})
	<-done

	select {
	case <-gotConn:
	case <-time.After(testTimeout):
		t.Fatal("B side connection never observed")
	}

	conn.Disconnect()
	require.Eventually(t, func() bool { return conn.State() == StateDead }, testTimeout, time.Millisecond)
	require.Eventually(t, func() bool { return bConn.State() == StateDead }, testTimeout, time.Millisecond)
}

func TestFRMROnSequenceError(t *testing.T) {
	_, a, b := newTestPair(t)

	recv := make(chan []byte, 8)
	svc := NewService("strict", 0x26)
	svc.NewHandler = func(c *Connection) Handler { return &echoHandler{received: recv} }
	require.NoError(t, b.Register(svc))

	done := make(chan ConnectResult, 1)
	conn := a.Connect(NewService("", 0), 0x26, DefaultHandler{}, func(c *Connection, r ConnectResult) {
		done <- r
	})
	<-done

	// Inject a bogus I-PDU directly with a wrong N(S) to force an FRMR.
	bad := llcp.EncodeI(conn.remoteSAP, conn.localSAP, conn.vs+5, conn.vr, []byte("x"))
	a.call(func() { a.submitRaw(bad) })

	require.Eventually(t, func() bool { return conn.State() == StateDead }, testTimeout, time.Millisecond)
}
