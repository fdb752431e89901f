package migration_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptpod/qpath-go/buffer"
	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/internal/netsim"
	. "github.com/aptpod/qpath-go/migration"
	"github.com/aptpod/qpath-go/wire"
)

const simDelay = 5 * time.Millisecond

var (
	simServerAddr = netip.MustParseAddrPort("192.0.2.1:4433")
	simClientAddr = netip.MustParseAddrPort("10.0.0.1:5000")
)

// simHost は、netsim上でコネクションを駆動するホストです。
type simHost struct {
	t      *testing.T
	sock   *netsim.Socket
	cfg    Config
	events *event.Recorder
	conn   *Connection

	// natLocal は、受信時にコネクションへ通知するローカルアドレスです。
	// NATの内側のホストはソケットが移動しても自身のアドレスの変化を観測しない。
	natLocal netip.AddrPort
	echo     bool

	rx         *buffer.Reassembler
	received   []byte
	txOffset   uint64
	finSent    bool
	drops      []error
	afterClose int
}

func newSimHost(t *testing.T, n *netsim.Network, addr netip.AddrPort, cfg Config) *simHost {
	t.Helper()
	sock, err := n.Bind(addr)
	require.NoError(t, err)
	rec := event.NewRecorder()
	cfg.Sink = rec
	return &simHost{t: t, sock: sock, cfg: cfg, events: rec, rx: buffer.NewReassembler()}
}

func (h *simHost) dial(remote netip.AddrPort, now time.Time) {
	h.natLocal = h.sock.LocalAddr()
	c, err := NewConnection(context.Background(), Params{
		Endpoint: intercept.EndpointClient,
		Local:    h.natLocal,
		Remote:   remote,
		Now:      now,
	}, h.cfg)
	require.NoError(h.t, err)
	h.conn = c
}

func (h *simHost) write(data string, fin bool) {
	require.NoError(h.t, h.conn.Send(&wire.StreamFrame{Offset: h.txOffset, Data: []byte(data), Fin: fin}))
	h.txOffset += uint64(len(data))
}

func (h *simHost) Deadline() (time.Time, bool) {
	if h.conn == nil {
		return time.Time{}, false
	}
	return h.conn.Deadline()
}

func (h *simHost) Poll(now time.Time) {
	for {
		pkt, ok := h.sock.Recv()
		if !ok {
			break
		}
		h.onPacket(pkt, now)
	}
	if h.conn == nil {
		return
	}
	if d, ok := h.conn.Deadline(); ok && !now.Before(d) {
		h.conn.HandleTimeout(now)
	}
	for {
		tx, ok := h.conn.PollTransmit(now)
		if !ok {
			return
		}
		if h.conn.Err() != nil {
			h.afterClose++
		}
		h.sock.SendTo(tx.Payload, tx.Path.Remote)
	}
}

func (h *simHost) onPacket(pkt netsim.Packet, now time.Time) {
	local := pkt.To
	if h.natLocal.IsValid() {
		local = h.natLocal
	}
	if h.conn == nil {
		c, err := NewConnection(context.Background(), Params{
			Endpoint: intercept.EndpointServer,
			Local:    local,
			Remote:   pkt.From,
			Now:      now,
		}, h.cfg)
		require.NoError(h.t, err)
		h.conn = c
	}
	res, err := h.conn.OnDatagram(Datagram{Local: local, Remote: pkt.From, Payload: pkt.Payload, Timestamp: now})
	if err != nil {
		h.drops = append(h.drops, err)
		return
	}
	if h.conn.Endpoint() == intercept.EndpointServer && res.HasSpace(wire.SpaceHandshake) {
		h.conn.ConfirmHandshake(now)
	}
	for _, f := range res.Streams {
		require.NoError(h.t, h.rx.Write(f.Offset, f.Data, f.Fin))
	}
	for h.rx.BufferedLen() > 0 {
		chunk, err := h.rx.ReadChunk(h.rx.BufferedLen())
		require.NoError(h.t, err)
		data := chunk.Retain()
		h.received = append(h.received, data...)
		if h.echo {
			h.write(string(data), h.rx.Finished())
			h.finSent = h.rx.Finished()
		}
	}
	if h.echo && h.rx.Finished() && !h.finSent {
		h.write("", true)
		h.finSent = true
	}
}

type simulation struct {
	net    *netsim.Network
	client *simHost
	server *simHost
}

func newSimulation(t *testing.T, serverCfg Config) *simulation {
	t.Helper()
	n := netsim.New(simDelay)
	client := newSimHost(t, n, simClientAddr, testConfig(nil))
	server := newSimHost(t, n, simServerAddr, serverCfg)
	server.echo = true
	client.dial(simServerAddr, n.Now())
	return &simulation{net: n, client: client, server: server}
}

func (s *simulation) run(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, s.net.Run(s.net.Now().Add(d), s.client, s.server))
}

func TestSimulation_Rebind(t *testing.T) {
	tests := []struct {
		name   string
		rebind func(addr netip.AddrPort) netip.AddrPort
	}{
		{
			name: "ip",
			rebind: func(addr netip.AddrPort) netip.AddrPort {
				return netip.AddrPortFrom(addr.Addr().Next(), addr.Port())
			},
		},
		{
			name: "port",
			rebind: func(addr netip.AddrPort) netip.AddrPort {
				return netip.AddrPortFrom(addr.Addr(), addr.Port()+1)
			},
		},
		{
			name: "ip and port",
			rebind: func(addr netip.AddrPort) netip.AddrPort {
				return netip.AddrPortFrom(addr.Addr().Next(), addr.Port()+1)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSimulation(t, testConfig(nil))
			start := s.net.Now()

			var want []netip.AddrPort
			s.net.Schedule(start.Add(50*time.Millisecond), func(time.Time) {
				s.client.write("A", false)
			})
			addr := simClientAddr
			for i := 1; i <= 4; i++ {
				addr = tt.rebind(addr)
				want = append(want, addr)
				to, fin := addr, i == 4
				s.net.Schedule(start.Add(time.Duration(50+20*i)*time.Millisecond), func(time.Time) {
					require.NoError(t, s.client.sock.Rebind(to))
					s.client.write("B", fin)
				})
			}
			s.run(t, 5*time.Second)

			assert.Equal(t, "ABBBB", string(s.client.received))
			assert.True(t, s.client.rx.Finished())
			assert.Equal(t, "ABBBB", string(s.server.received))

			var got []netip.AddrPort
			for _, e := range event.Filter[event.ActivePathUpdated](s.server.events.Events()) {
				assert.Equal(t, simServerAddr, e.Local)
				got = append(got, e.Remote)
			}
			assert.Equal(t, want, got)

			assert.Empty(t, s.server.drops)
			assert.Empty(t, event.Filter[event.ActivePathUpdated](s.client.events.Events()))
			assert.Nil(t, s.server.conn.Err())
			assert.LessOrEqual(t, len(s.server.conn.Paths()), 4)
		})
	}
}

func TestSimulation_RebindBlockedPort(t *testing.T) {
	cfg := testConfig(nil)
	after := 2
	cfg.Interceptors = []intercept.Interceptor{intercept.Funcs{
		RemoteAddress: func(_ intercept.Subject, addr *netip.AddrPort) {
			if after == 0 {
				*addr = netip.AddrPortFrom(addr.Addr(), 53)
			}
		},
		Datagram: func(_ intercept.Subject, _ intercept.Datagram, payload []byte) []byte {
			after = max(after-1, 0)
			return payload
		},
	}}
	s := newSimulation(t, cfg)
	s.client.write("hello", true)
	s.run(t, 10*time.Second)

	dropped := event.Filter[event.DatagramDropped](s.server.events.Events())
	require.NotEmpty(t, dropped)
	for _, e := range dropped {
		assert.Equal(t, event.DropReasonRejectedConnectionMigration, e.Reason)
		assert.Equal(t, event.DenyBlockedPort, e.Deny)
	}
	for _, err := range s.server.drops {
		assert.ErrorIs(t, err, errors.ErrBlockedPort)
	}
	for _, info := range s.server.conn.Paths() {
		assert.NotEqual(t, uint16(53), info.Identity.Remote.Port())
	}
}

func TestSimulation_RebindBeforeHandshakeConfirmed(t *testing.T) {
	cfg := testConfig(nil)
	count := 0
	cfg.Interceptors = []intercept.Interceptor{intercept.Funcs{
		RemoteAddress: func(_ intercept.Subject, addr *netip.AddrPort) {
			count++
			if count >= 2 && count <= 5 {
				*addr = netip.AddrPortFrom(addr.Addr(), 55555)
			}
		},
	}}
	s := newSimulation(t, cfg)
	s.client.write("hello", true)
	s.run(t, 10*time.Second)

	assert.Empty(t, s.server.drops)
	assert.Empty(t, event.Filter[event.DatagramDropped](s.server.events.Events()))
	observed := event.Filter[event.HandshakeRemoteAddressChangeObserved](s.server.events.Events())
	require.NotEmpty(t, observed)
	for _, e := range observed {
		assert.Equal(t, uint16(55555), e.Addr.Port())
		assert.Equal(t, simClientAddr, e.Initial)
	}
	assert.Equal(t, "hello", string(s.client.received))
	assert.True(t, s.client.rx.Finished())
}

func TestSimulation_RebindServerAddrBeforeHandshakeConfirmed(t *testing.T) {
	cfg := testConfig(nil)
	count := 1
	cfg.Interceptors = []intercept.Interceptor{intercept.Funcs{
		LocalAddress: func(_ intercept.Subject, addr *netip.AddrPort) {
			if count == 0 {
				*addr = netip.AddrPortFrom(addr.Addr().Next(), addr.Port()+1)
			}
		},
		Datagram: func(_ intercept.Subject, _ intercept.Datagram, payload []byte) []byte {
			count = max(count-1, 0)
			return payload
		},
	}}
	s := newSimulation(t, cfg)
	s.client.write("hello", true)
	s.run(t, 10*time.Second)

	assert.Empty(t, s.server.drops)
	assert.Empty(t, event.Filter[event.DatagramDropped](s.server.events.Events()))
	assert.Empty(t, event.Filter[event.HandshakeRemoteAddressChangeObserved](s.server.events.Events()))
	assert.Equal(t, "hello", string(s.client.received))
	assert.True(t, s.client.rx.Finished())
}

// クライアントがハンドシェイクを完了させた直後にポートを変えても、コネクションは継続する
func TestSimulation_RebindAfterHandshakeConfirmed(t *testing.T) {
	cfg := testConfig(nil)
	datagrams, handshakePackets := 0, 0
	changed := false
	cfg.Interceptors = []intercept.Interceptor{intercept.Funcs{
		RemoteAddress: func(_ intercept.Subject, addr *netip.AddrPort) {
			if handshakePackets == 1 && !changed {
				*addr = netip.AddrPortFrom(addr.Addr(), addr.Port()+1)
				changed = true
			}
		},
		// 2番目のデータグラムを捨て、クライアントにハンドシェイクを再送させる
		Datagram: func(_ intercept.Subject, _ intercept.Datagram, payload []byte) []byte {
			datagrams++
			if datagrams == 2 {
				return payload[:0]
			}
			return payload
		},
		// 最初の2つのHandshakeパケットからACKを取り除き、サーバーの送信済みパケットを残す
		Payload: func(_ intercept.Subject, p intercept.Packet, payload []byte) []byte {
			if p.Space != wire.SpaceHandshake {
				return payload
			}
			handshakePackets++
			if handshakePackets > 2 {
				return payload
			}
			frames, err := wire.ParseFrames(payload)
			require.NoError(t, err)
			var kept []wire.Frame
			for _, f := range frames {
				if _, ok := f.(*wire.AckFrame); !ok {
					kept = append(kept, f)
				}
			}
			return wire.AppendFrames(nil, kept...)
		},
	}}
	s := newSimulation(t, cfg)
	s.client.write("hello", true)
	s.run(t, 10*time.Second)

	assert.True(t, changed)
	assert.Equal(t, "hello", string(s.server.received))
	assert.Equal(t, "hello", string(s.client.received))
	assert.True(t, s.client.rx.Finished())
	assert.Nil(t, s.server.conn.Err())
	assert.Nil(t, s.client.conn.Err())

	require.Len(t, s.server.drops, 1)
	assert.ErrorIs(t, s.server.drops[0], errors.ErrMalformedFrame)
	dropped := event.Filter[event.DatagramDropped](s.server.events.Events())
	require.Len(t, dropped, 1)
	assert.Equal(t, event.DropReasonDecodingFailed, dropped[0].Reason)
	assert.Zero(t, dropped[0].Len)

	var rebound bool
	for _, e := range event.Filter[event.PathCreated](s.server.events.Events()) {
		rebound = rebound || e.Path.Remote.Port() == simClientAddr.Port()+1
	}
	assert.True(t, rebound, "the rebound port is tracked as a new path")
}

func TestSimulation_PTOBackoffCeiling(t *testing.T) {
	s := newSimulation(t, testConfig(nil))
	start := s.net.Now()

	// ハンドシェイク確定後にクライアントが消えると、サーバーのPTOは上限まで伸び続ける
	s.net.Schedule(start.Add(100*time.Millisecond), func(now time.Time) {
		require.Equal(t, PhaseHandshakeConfirmed, s.server.conn.Phase())
		require.NoError(t, s.client.sock.Close())
		require.NoError(t, s.server.conn.Send(&wire.StreamFrame{Data: []byte("lost")}))
	})
	s.run(t, 24*time.Hour)

	closed := event.Filter[event.ConnectionClosed](s.server.events.Events())
	require.Len(t, closed, 1)
	assert.Equal(t, errors.CloseKindImmediate, closed[0].Err.Kind)
	assert.Equal(t, errors.ReasonPTOBackoffExceeded, closed[0].Err.Reason)
	assert.Equal(t, PhaseClosed, s.server.conn.Phase())
	assert.Equal(t, uint64(10), s.server.conn.Stats().PTOCount)
	assert.Equal(t, 1, s.server.afterClose, "only a single CONNECTION_CLOSE is sent")

	_, ok := s.server.conn.Deadline()
	assert.False(t, ok)
	events := s.server.events.Events()
	assert.Equal(t, "ConnectionClosed", events[len(events)-1].Name())
}
