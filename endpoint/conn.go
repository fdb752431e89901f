package endpoint

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/aptpod/qpath-go/buffer"
	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/internal/ch"
	"github.com/aptpod/qpath-go/migration"
	"github.com/aptpod/qpath-go/netpath"
	"github.com/aptpod/qpath-go/wire"
)

type input struct {
	datagram *migration.Datagram
	cmd      func(now time.Time)
}

// Conn は、エンドポイント上の1つのコネクションです。メソッドはゴルーチンセーフです。
type Conn struct {
	ctx   context.Context
	ep    *Endpoint
	id    uuid.UUID
	clock clock.Clock
	inbox chan input

	// mc は run ゴルーチンからのみ操作する
	mc        *migration.Connection
	txOffset  uint64
	finSent   bool
	confirmed chan struct{}
	accepted  bool

	mu       sync.Mutex
	rx       *buffer.Reassembler
	readable chan struct{}

	done chan struct{}
	err  *errors.ConnectionError
}

func newConn(ctx context.Context, ep *Endpoint, mc *migration.Connection) *Conn {
	return &Conn{
		ctx:       ctx,
		ep:        ep,
		id:        mc.ID(),
		clock:     ep.cfg.Clock,
		inbox:     make(chan input, ep.cfg.InboxSize),
		mc:        mc,
		confirmed: make(chan struct{}),
		rx:        buffer.NewReassembler(),
		readable:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID は、コネクションIDを返します。
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Done は、コネクションが閉じた時に閉じられるチャネルを返します。
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err は、コネクションを閉じたエラーを返します。コネクションが開いている間は nil です。
func (c *Conn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	if c.err == nil {
		return errors.ErrConnectionClosed
	}
	return c.err
}

// Send は、data をストリームへ書き込みます。fin が true の場合、ストリームを終了します。
func (c *Conn) Send(ctx context.Context, data []byte, fin bool) error {
	bs := make([]byte, len(data))
	copy(bs, data)
	return c.do(ctx, func(time.Time) error {
		if c.finSent {
			return errors.Errorf("stream already finished: %w", errors.ErrQPath)
		}
		if err := c.mc.Send(&wire.StreamFrame{Offset: c.txOffset, Data: bs, Fin: fin}); err != nil {
			return err
		}
		c.txOffset += uint64(len(bs))
		c.finSent = fin
		return nil
	})
}

// Recv は、ストリームから受信したデータを返します。ストリームが終了した場合は io.EOF を返します。
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if c.rx.BufferedLen() > 0 {
			chunk, err := c.rx.ReadChunk(c.rx.BufferedLen())
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return chunk.Retain(), nil
		}
		finished := c.rx.Finished()
		c.mu.Unlock()
		if finished {
			return nil, io.EOF
		}

		select {
		case <-c.readable:
		case <-c.done:
			// 閉じる直前に届いたデータを読み出す
			c.mu.Lock()
			n := c.rx.BufferedLen()
			c.mu.Unlock()
			if n == 0 && !finished {
				return nil, c.Err()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats は、コネクションの統計情報を返します。
func (c *Conn) Stats(ctx context.Context) (migration.Stats, error) {
	var res migration.Stats
	err := c.do(ctx, func(time.Time) error {
		res = c.mc.Stats()
		return nil
	})
	return res, err
}

// ActivePath は、アクティブパスを返します。
func (c *Conn) ActivePath(ctx context.Context) (netpath.Identity, error) {
	var res netpath.Identity
	err := c.do(ctx, func(time.Time) error {
		res = c.mc.ActivePath()
		return nil
	})
	return res, err
}

// Close は、コネクションを閉じ、終了を待ちます。
func (c *Conn) Close(reason string) error {
	err := c.do(context.Background(), func(now time.Time) error {
		c.mc.Close(reason, now)
		return nil
	})
	if err != nil && !errors.Is(err, errors.ErrConnectionClosed) {
		return err
	}
	<-c.done
	return nil
}

func (c *Conn) migrate(ctx context.Context, local netip.AddrPort) error {
	return c.do(ctx, func(now time.Time) error {
		if c.mc.Phase() != migration.PhaseHandshakeConfirmed {
			return nil
		}
		return c.mc.Migrate(local, now)
	})
}

// do は、f を run ゴルーチンで実行し結果を返します。
func (c *Conn) do(ctx context.Context, f func(now time.Time) error) error {
	res := make(chan error, 1)
	in := input{cmd: func(now time.Time) { res <- f(now) }}
	select {
	case c.inbox <- in:
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return c.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) run() error {
	defer c.finish()

	var (
		timer  *clock.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerC = nil
	}
	defer stopTimer()

	for {
		now := c.clock.Now()
		c.flush(now)
		if c.mc.Phase() == migration.PhaseClosed {
			return nil
		}
		if deadline, ok := c.mc.Deadline(); ok {
			d := deadline.Sub(now)
			if d <= 0 {
				c.mc.HandleTimeout(now)
				continue
			}
			if timer == nil {
				timer = c.clock.Timer(d)
			} else {
				timer.Reset(d)
			}
			timerC = timer.C
		}

		select {
		case in := <-c.inbox:
			stopTimer()
			c.handle(in, c.clock.Now())
		case <-timerC:
			timerC = nil
			now := c.clock.Now()
			if deadline, ok := c.mc.Deadline(); ok && !now.Before(deadline) {
				c.mc.HandleTimeout(now)
			}
		case <-c.ep.ctx.Done():
			stopTimer()
			c.mc.Close("endpoint closed", c.clock.Now())
		}
	}
}

func (c *Conn) handle(in input, now time.Time) {
	if in.cmd != nil {
		in.cmd(now)
		return
	}
	d := *in.datagram
	d.Timestamp = now
	res, err := c.mc.OnDatagram(d)
	if err != nil {
		// 破棄はイベントとログで通知済み
		return
	}
	if c.mc.Endpoint() == intercept.EndpointServer && res.HasSpace(wire.SpaceHandshake) {
		c.mc.ConfirmHandshake(now)
	}
	if len(res.Streams) > 0 {
		if err := c.deliver(res.Streams); err != nil {
			c.ep.logger.Warnf(c.ctx, "Failed to reassemble stream: %v", err)
			c.mc.Close(err.Error(), now)
			return
		}
	}
	if !c.accepted && c.mc.Phase() == migration.PhaseHandshakeConfirmed {
		c.accepted = true
		close(c.confirmed)
		if c.mc.Endpoint() == intercept.EndpointServer && !ch.TryWrite(c, c.ep.acceptCh) {
			c.ep.logger.Warnf(c.ctx, "Accept backlog is full")
			c.mc.Close("accept backlog is full", now)
		}
	}
}

func (c *Conn) deliver(frames []*wire.StreamFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range frames {
		if err := c.rx.Write(f.Offset, f.Data, f.Fin); err != nil {
			return err
		}
	}
	ch.TryWrite(struct{}{}, c.readable)
	return nil
}

func (c *Conn) flush(now time.Time) {
	for {
		tx, ok := c.mc.PollTransmit(now)
		if !ok {
			return
		}
		if err := c.ep.writeTo(c.id, tx.Payload, tx.Path.Remote); err != nil {
			c.ep.logger.Warnf(c.ctx, "Failed to send a datagram to %s: %v", tx.Path.Remote, err)
		}
	}
}

func (c *Conn) finish() {
	if err := c.mc.Err(); err != nil {
		c.err = err
	}
	c.ep.remove(c.id)
	close(c.done)
}
