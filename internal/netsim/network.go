// Package netsim は、仮想時間で動作するインメモリのUDPネットワークです。
//
// パケットは一定の遅延の後に宛先アドレスへ配送されます。宛先にソケットがない場合は失われます。
// ソケットの再バインドにより、NATリバインディングやアドレス変更を再現できます。
package netsim

import (
	"container/heap"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aptpod/qpath-go/errors"
)

// ErrAddrInUse は、既に使用されているアドレスへバインドした場合のエラーです。
var ErrAddrInUse = errors.New("netsim: address already in use")

// ErrTooManySteps は、Run が上限回数を超えても終了しなかった場合のエラーです。
var ErrTooManySteps = errors.New("netsim: too many steps")

const maxSteps = 1 << 20

// Packet は、ネットワーク上のデータグラムです。
type Packet struct {
	From    netip.AddrPort
	To      netip.AddrPort
	Payload []byte
	// At は、配送される時刻です。
	At time.Time
}

// Stats は、ネットワークの統計情報です。
type Stats struct {
	Sent      uint64
	Delivered uint64
	Lost      uint64
}

// Node は、Run で駆動されるネットワーク上のホストです。
type Node interface {
	// Deadline は、次に Poll を呼び出すべき時刻を返します。
	Deadline() (time.Time, bool)
	// Poll は、受信したパケットと期限を迎えたタイマーを処理します。
	Poll(now time.Time)
}

// Network は、仮想時間のネットワークです。ゴルーチンセーフではありません。
type Network struct {
	clock   *clock.Mock
	delay   time.Duration
	sockets map[netip.AddrPort]*Socket

	inflight packetQueue
	events   eventQueue
	seq      uint64
	stats    Stats
}

// New は、遅延 delay の Network を返します。
func New(delay time.Duration) *Network {
	c := clock.NewMock()
	c.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return &Network{
		clock:   c,
		delay:   delay,
		sockets: map[netip.AddrPort]*Socket{},
	}
}

// Clock は、ネットワークの仮想時計を返します。
func (n *Network) Clock() clock.Clock {
	return n.clock
}

// Now は、現在の仮想時刻を返します。
func (n *Network) Now() time.Time {
	return n.clock.Now()
}

// SetDelay は、以降に送信するパケットの遅延を変更します。
func (n *Network) SetDelay(d time.Duration) {
	n.delay = d
}

// Stats は、統計情報を返します。
func (n *Network) Stats() Stats {
	return n.stats
}

// Bind は、addr にバインドしたソケットを返します。
func (n *Network) Bind(addr netip.AddrPort) (*Socket, error) {
	if _, ok := n.sockets[addr]; ok {
		return nil, errors.Errorf("%s: %w", addr, ErrAddrInUse)
	}
	s := &Socket{n: n, addr: addr}
	n.sockets[addr] = s
	return s, nil
}

// Schedule は、時刻 at に f を実行するよう登録します。f は Run の中で実行されます。
func (n *Network) Schedule(at time.Time, f func(now time.Time)) {
	n.seq++
	heap.Push(&n.events, &scheduled{at: at, seq: n.seq, f: f})
}

func (n *Network) send(from, to netip.AddrPort, payload []byte) {
	n.seq++
	n.stats.Sent++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	heap.Push(&n.inflight, &queuedPacket{
		Packet: Packet{From: from, To: to, Payload: buf, At: n.Now().Add(n.delay)},
		seq:    n.seq,
	})
}

// deliver は、now までに到着するパケットを宛先ソケットの受信キューへ移します。
func (n *Network) deliver(now time.Time) {
	for n.inflight.Len() > 0 && !n.inflight[0].At.After(now) {
		p := heap.Pop(&n.inflight).(*queuedPacket)
		s, ok := n.sockets[p.To]
		if !ok {
			n.stats.Lost++
			continue
		}
		n.stats.Delivered++
		s.inbox = append(s.inbox, p.Packet)
	}
}

// Run は、until まで仮想時間を進めながら nodes を駆動します。
func (n *Network) Run(until time.Time, nodes ...Node) error {
	for _, node := range nodes {
		node.Poll(n.Now())
	}
	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			return ErrTooManySteps
		}
		next, ok := n.next(nodes)
		if !ok || next.After(until) {
			if until.After(n.Now()) {
				n.clock.Set(until)
			}
			return nil
		}
		if next.After(n.Now()) {
			n.clock.Set(next)
		}
		now := n.Now()
		for n.events.Len() > 0 && !n.events[0].at.After(now) {
			e := heap.Pop(&n.events).(*scheduled)
			e.f(now)
		}
		n.deliver(now)
		for _, node := range nodes {
			node.Poll(now)
		}
	}
}

func (n *Network) next(nodes []Node) (time.Time, bool) {
	var res time.Time
	update := func(t time.Time) {
		if res.IsZero() || t.Before(res) {
			res = t
		}
	}
	if n.inflight.Len() > 0 {
		update(n.inflight[0].At)
	}
	if n.events.Len() > 0 {
		update(n.events[0].at)
	}
	for _, node := range nodes {
		if d, ok := node.Deadline(); ok {
			update(d)
		}
	}
	return res, !res.IsZero()
}

// Socket は、Network 上のUDPソケットです。
type Socket struct {
	n      *Network
	addr   netip.AddrPort
	inbox  []Packet
	closed bool
}

// LocalAddr は、バインドしているアドレスを返します。
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.addr
}

// SendTo は、payload を to へ送信します。閉じたソケットからの送信は無視されます。
func (s *Socket) SendTo(payload []byte, to netip.AddrPort) {
	if s.closed {
		return
	}
	s.n.send(s.addr, to, payload)
}

// Recv は、受信キューの先頭のパケットを返します。
func (s *Socket) Recv() (Packet, bool) {
	if len(s.inbox) == 0 {
		return Packet{}, false
	}
	p := s.inbox[0]
	s.inbox = s.inbox[1:]
	return p, true
}

// Rebind は、ソケットを addr へ移します。以降、元のアドレス宛のパケットは失われます。
func (s *Socket) Rebind(addr netip.AddrPort) error {
	if s.closed {
		return errors.Errorf("netsim: rebind closed socket: %w", errors.ErrConnectionClosed)
	}
	if _, ok := s.n.sockets[addr]; ok {
		return errors.Errorf("%s: %w", addr, ErrAddrInUse)
	}
	delete(s.n.sockets, s.addr)
	s.addr = addr
	s.n.sockets[addr] = s
	return nil
}

// Close は、ソケットを閉じます。
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.n.sockets, s.addr)
	s.inbox = nil
	return nil
}

type queuedPacket struct {
	Packet
	seq uint64
}

type packetQueue []*queuedPacket

func (q packetQueue) Len() int { return len(q) }
func (q packetQueue) Less(i, j int) bool {
	if q[i].At.Equal(q[j].At) {
		return q[i].seq < q[j].seq
	}
	return q[i].At.Before(q[j].At)
}
func (q packetQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *packetQueue) Push(x any)   { *q = append(*q, x.(*queuedPacket)) }
func (q *packetQueue) Pop() any {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

type scheduled struct {
	at  time.Time
	seq uint64
	f   func(now time.Time)
}

type eventQueue []*scheduled

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(*scheduled)) }
func (q *eventQueue) Pop() any {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}
