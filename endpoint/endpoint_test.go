package endpoint_test

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	. "github.com/aptpod/qpath-go/endpoint"
	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/netpath"
)

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	return pc
}

func newEndpoint(t *testing.T, pc net.PacketConn, cfg Config) *Endpoint {
	t.Helper()
	e, err := New(pc, cfg)
	require.NoError(t, err)
	return e
}

type pair struct {
	server, client         *Endpoint
	serverConn, clientConn *Conn
}

func connect(t *testing.T, ctx context.Context, serverCfg, clientCfg Config) *pair {
	t.Helper()
	p := &pair{
		server: newEndpoint(t, listenUDP(t), serverCfg),
		client: newEndpoint(t, listenUDP(t), clientCfg),
	}
	accepted := make(chan *Conn, 1)
	go func() {
		c, err := p.server.Accept(ctx)
		assert.NoError(t, err)
		accepted <- c
	}()
	c, err := p.client.Dial(ctx, p.server.LocalAddr())
	require.NoError(t, err)
	p.clientConn = c
	p.serverConn = <-accepted
	require.NotNil(t, p.serverConn)
	assert.Equal(t, p.clientConn.ID(), p.serverConn.ID())
	return p
}

func (p *pair) close(t *testing.T) {
	t.Helper()
	assert.NoError(t, p.client.Close())
	assert.NoError(t, p.server.Close())
}

func readAll(t *testing.T, ctx context.Context, c *Conn) string {
	t.Helper()
	var res []byte
	for {
		b, err := c.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return string(res)
		}
		require.NoError(t, err)
		res = append(res, b...)
	}
}

func TestEndpoint_DialAccept(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := connect(t, ctx, DefaultConfig(), DefaultConfig())
	defer p.close(t)

	require.NoError(t, p.clientConn.Send(ctx, []byte("hello, "), false))
	require.NoError(t, p.clientConn.Send(ctx, []byte("world"), true))
	assert.Equal(t, "hello, world", readAll(t, ctx, p.serverConn))

	require.NoError(t, p.serverConn.Send(ctx, []byte("bye"), true))
	assert.Equal(t, "bye", readAll(t, ctx, p.clientConn))

	assert.Error(t, p.clientConn.Send(ctx, []byte("again"), false))

	stats, err := p.serverConn.Stats(ctx)
	require.NoError(t, err)
	assert.NotZero(t, stats.DatagramsReceived)
	assert.Zero(t, stats.DatagramsDropped)
}

func TestEndpoint_Close(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := connect(t, ctx, DefaultConfig(), DefaultConfig())
	defer p.server.Close()

	require.NoError(t, p.client.Close())
	select {
	case <-p.clientConn.Done():
	default:
		t.Fatal("client connection must be closed")
	}
	cerr, ok := errors.AsConnectionError(p.clientConn.Err())
	require.True(t, ok)
	assert.Equal(t, errors.CloseKindApplication, cerr.Kind)

	select {
	case <-p.serverConn.Done():
	case <-ctx.Done():
		t.Fatal("server connection must be closed by the peer")
	}
	cerr, ok = errors.AsConnectionError(p.serverConn.Err())
	require.True(t, ok)
	assert.Equal(t, errors.CloseKindPeer, cerr.Kind)

	_, err := p.serverConn.Recv(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	_, err = p.client.Dial(ctx, p.server.LocalAddr())
	assert.ErrorIs(t, err, ErrEndpointClosed)
	_, err = p.client.Accept(ctx)
	assert.ErrorIs(t, err, ErrEndpointClosed)
}

func TestConn_Close(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := connect(t, ctx, DefaultConfig(), DefaultConfig())
	defer p.close(t)

	require.NoError(t, p.serverConn.Close("done"))
	require.NoError(t, p.serverConn.Close("twice"))
	<-p.clientConn.Done()
	cerr, ok := errors.AsConnectionError(p.clientConn.Err())
	require.True(t, ok)
	assert.Equal(t, "done", cerr.Reason)
	assert.ErrorIs(t, p.clientConn.Send(ctx, []byte("x"), false), errors.ErrConnectionClosed)
}

func TestEndpoint_Rebind(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := connect(t, ctx, DefaultConfig(), DefaultConfig())
	defer p.close(t)
	events, err := p.server.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, p.clientConn.Send(ctx, []byte("A"), false))
	b, err := p.serverConn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", string(b))

	pc := listenUDP(t)
	require.NoError(t, p.client.Rebind(ctx, pc))
	rebound := p.client.LocalAddr()
	assert.Equal(t, netpath.Normalize(pc.LocalAddr().(*net.UDPAddr).AddrPort()), rebound)
	assert.True(t, rebound.Addr().Is4(), "local addresses are normalized")

	require.NoError(t, p.clientConn.Send(ctx, []byte("B"), true))
	assert.Equal(t, "B", readAll(t, ctx, p.serverConn))

	var updated []event.ActivePathUpdated
	for len(updated) == 0 {
		select {
		case e := <-events:
			if u, ok := e.(event.ActivePathUpdated); ok {
				updated = append(updated, u)
			}
		case <-ctx.Done():
			t.Fatal("server must observe the migration")
		}
	}
	assert.Equal(t, netip.AddrPortFrom(rebound.Addr().Unmap(), rebound.Port()), updated[0].Remote)

	require.NoError(t, p.serverConn.Send(ctx, []byte("ok"), true))
	assert.Equal(t, "ok", readAll(t, ctx, p.clientConn))

	assert.Eventually(t, func() bool {
		id, err := p.clientConn.ActivePath(ctx)
		return err == nil && id.Local.Port() == rebound.Port()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEndpoint_PTOBackoffCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	serverCfg := DefaultConfig()
	serverCfg.Clock = mock
	clientCfg := DefaultConfig()
	clientCfg.Clock = mock

	server := newEndpoint(t, listenUDP(t), serverCfg)
	defer server.Close()
	clientPC := listenUDP(t)
	client := newEndpoint(t, clientPC, clientCfg)
	defer client.Close()
	events, err := server.Subscribe(ctx)
	require.NoError(t, err)

	accepted := make(chan *Conn, 1)
	go func() {
		c, _ := server.Accept(ctx)
		accepted <- c
	}()
	_, err = client.Dial(ctx, server.LocalAddr())
	require.NoError(t, err)
	sc := <-accepted
	require.NotNil(t, sc)

	// クライアントのソケットを閉じて応答を止める
	require.NoError(t, clientPC.Close())
	require.NoError(t, sc.Send(ctx, []byte("lost"), false))

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Minute)
		select {
		case <-sc.Done():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cerr, ok := errors.AsConnectionError(sc.Err())
	require.True(t, ok)
	assert.Equal(t, errors.CloseKindImmediate, cerr.Kind)
	assert.Equal(t, errors.ReasonPTOBackoffExceeded, cerr.Reason)
	assert.ErrorIs(t, sc.Err(), errors.ErrPTOBackoffExceeded)

	var closed int
	for {
		select {
		case e := <-events:
			if _, ok := e.(event.ConnectionClosed); ok {
				closed++
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 1, closed)
}

func TestEndpoint_DialCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	silent := listenUDP(t)
	defer silent.Close()
	e := newEndpoint(t, listenUDP(t), DefaultConfig())
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := e.Dial(ctx, silent.LocalAddr().(*net.UDPAddr).AddrPort())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_InvalidConfig(t *testing.T) {
	pc := listenUDP(t)
	defer pc.Close()
	cfg := DefaultConfig()
	cfg.InboxSize = -1
	_, err := New(pc, cfg)
	assert.Error(t, err)
}
