// Package endpoint は、net.PacketConn 上でコネクションを多重化して駆動します。
//
// データグラムの先頭16バイトはコネクションIDです。アドレスが変化しても同じコネクションへ振り分けられます。
// コネクションごとに1つのゴルーチンが受信キューとタイマーを直列に処理します。
package endpoint

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/internal/ch"
	"github.com/aptpod/qpath-go/log"
	"github.com/aptpod/qpath-go/migration"
	"github.com/aptpod/qpath-go/netpath"
	"github.com/aptpod/qpath-go/wire"
)

const (
	connIDLen = 16
	// コネクションIDを含む受信バッファの長さ
	maxPacketSize = connIDLen + int(wire.MaxDatagramSize)
)

// ErrEndpointClosed は、クローズ済みのエンドポイントを操作した場合のエラーです。
var ErrEndpointClosed = errors.Errorf("endpoint closed: %w", errors.ErrConnectionClosed)

// Endpoint は、1つのソケットで複数のコネクションを扱います。
type Endpoint struct {
	cfg    Config
	logger log.Logger
	bus    *event.Bus
	sink   event.Sink

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu       sync.Mutex
	pc       net.PacketConn
	local    netip.AddrPort
	conns    map[uuid.UUID]*Conn
	closed   bool
	acceptCh chan *Conn

	closeOnce sync.Once
	closeErr  error
}

// New は、pc を使用する Endpoint を起動します。
//
// Endpoint は Dial で接続を開始し、ピアから開始された接続を Accept で受け入れます。
func New(pc net.PacketConn, cfg Config) (*Endpoint, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	local, err := netpath.NormalizeAddr(pc.LocalAddr())
	if err != nil {
		return nil, err
	}
	bus := event.OpenBus(cfg.EventBufferSize, cfg.Logger)
	sinks := []event.Sink{bus}
	if cfg.Migration.Sink != nil {
		sinks = append(sinks, cfg.Migration.Sink)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	e := &Endpoint{
		cfg:      cfg,
		logger:   cfg.Logger,
		bus:      bus,
		sink:     event.Multi(sinks...),
		ctx:      ctx,
		cancel:   cancel,
		eg:       eg,
		pc:       pc,
		local:    local,
		conns:    make(map[uuid.UUID]*Conn),
		acceptCh: make(chan *Conn, cfg.AcceptBacklog),
	}
	eg.Go(func() error {
		return e.readLoop(pc)
	})
	return e, nil
}

// LocalAddr は、現在のソケットのローカルアドレスを返します。
func (e *Endpoint) LocalAddr() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Subscribe は、全コネクションのイベントを受信するチャネルを返します。
func (e *Endpoint) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	return e.bus.Subscribe(ctx, e.cfg.EventBufferSize)
}

// Dial は、remote への接続を開始し、ハンドシェイクの確定を待ちます。
func (e *Endpoint) Dial(ctx context.Context, remote netip.AddrPort) (*Conn, error) {
	c, err := e.open(uuid.New(), intercept.EndpointClient, remote)
	if err != nil {
		return nil, err
	}
	select {
	case <-c.confirmed:
		return c, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		c.Close("dial canceled")
		return nil, ctx.Err()
	}
}

// Accept は、ハンドシェイクが確定した受信コネクションを返します。
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-e.acceptCh:
		return c, nil
	case <-e.ctx.Done():
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rebind は、ソケットを pc へ切り替え、確定済みの全コネクションを新しいローカルアドレスへ移行します。
//
// 以前のソケットは閉じられます。
func (e *Endpoint) Rebind(ctx context.Context, pc net.PacketConn) error {
	local, err := netpath.NormalizeAddr(pc.LocalAddr())
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	old := e.pc
	e.pc = pc
	e.local = local
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.eg.Go(func() error {
		return e.readLoop(pc)
	})
	e.mu.Unlock()

	if err := old.Close(); err != nil {
		e.logger.Warnf(e.ctx, "Failed to close previous socket: %v", err)
	}
	e.logger.Infof(e.ctx, "Rebound socket to %s", local)

	var errs []error
	for _, c := range conns {
		if err := c.migrate(ctx, local); err != nil && !errors.Is(err, errors.ErrConnectionClosed) {
			errs = append(errs, errors.Errorf("%s: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close は、全てのコネクションを閉じてからソケットを閉じます。
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		conns := make([]*Conn, 0, len(e.conns))
		for _, c := range e.conns {
			conns = append(conns, c)
		}
		e.mu.Unlock()

		// コネクションはCONNECTION_CLOSEを送信してから終了する
		e.cancel()
		for _, c := range conns {
			<-c.done
		}

		e.mu.Lock()
		pc := e.pc
		e.mu.Unlock()
		if err := pc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.closeErr = err
		}
		if err := e.eg.Wait(); err != nil {
			e.closeErr = errors.Join(e.closeErr, err)
		}
		e.bus.Close()
	})
	return e.closeErr
}

func (e *Endpoint) open(id uuid.UUID, typ intercept.EndpointType, remote netip.AddrPort) (*Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEndpointClosed
	}
	if _, ok := e.conns[id]; ok {
		return nil, errors.Errorf("connection %s already exists: %w", id, errors.ErrQPath)
	}
	cfg := e.cfg.Migration
	cfg.Sink = e.sink
	ctx := log.WithTrackConnectionID(e.ctx, id.String())
	mc, err := migration.NewConnection(ctx, migration.Params{
		ID:       id,
		Endpoint: typ,
		Local:    e.local,
		Remote:   remote,
		Opener:   e.cfg.Opener,
		Now:      e.cfg.Clock.Now(),
	}, cfg)
	if err != nil {
		return nil, err
	}
	c := newConn(ctx, e, mc)
	e.conns[id] = c
	e.eg.Go(c.run)
	return c, nil
}

func (e *Endpoint) remove(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, id)
}

func (e *Endpoint) lookup(id uuid.UUID) (*Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[id]
	return c, ok
}

func (e *Endpoint) current() (net.PacketConn, netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc, e.local
}

func (e *Endpoint) readLoop(pc net.PacketConn) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if e.ctx.Err() != nil {
				return nil
			}
			if cur, _ := e.current(); cur != pc {
				// Rebind で置き換えられた
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				e.logger.Warnf(e.ctx, "Socket closed, shutting down endpoint")
				e.cancel()
				return nil
			}
			return errors.Errorf("read: %w", err)
		}
		remote, err := netpath.NormalizeAddr(addr)
		if err != nil {
			e.logger.Debugf(e.ctx, "Discarded a datagram: %v", err)
			continue
		}
		_, local := e.current()
		e.dispatch(buf[:n], local, remote)
	}
}

func (e *Endpoint) dispatch(b []byte, local, remote netip.AddrPort) {
	if len(b) <= connIDLen {
		e.logger.Debugf(e.ctx, "Discarded a short datagram from %s", remote)
		return
	}
	id, err := uuid.FromBytes(b[:connIDLen])
	if err != nil {
		return
	}
	payload := make([]byte, len(b)-connIDLen)
	copy(payload, b[connIDLen:])

	c, ok := e.lookup(id)
	if !ok {
		if space, _, _, _, err := wire.ParsePacket(payload); err != nil || space != wire.SpaceInitial {
			e.logger.Debugf(e.ctx, "Discarded a datagram for unknown connection %s from %s", id, remote)
			return
		}
		c, err = e.open(id, intercept.EndpointServer, remote)
		if err != nil {
			e.logger.Warnf(e.ctx, "Failed to open connection %s: %v", id, err)
			return
		}
		e.logger.Infof(c.ctx, "Accepted connection from %s", remote)
	}
	d := migration.Datagram{Local: local, Remote: remote, Payload: payload, Timestamp: e.cfg.Clock.Now()}
	if !ch.TryWrite(input{datagram: &d}, c.inbox) {
		e.logger.Warnf(c.ctx, "Discarded a datagram from %s: inbox is full", remote)
	}
}

func (e *Endpoint) writeTo(id uuid.UUID, payload []byte, remote netip.AddrPort) error {
	pc, _ := e.current()
	b := make([]byte, 0, connIDLen+len(payload))
	b = append(b, id[:]...)
	b = append(b, payload...)
	_, err := pc.WriteTo(b, net.UDPAddrFromAddrPort(remote))
	return err
}
