// Package udp は、UDPソケットの受信にパス管理の受け入れ規則を適用します。
//
// FilterConn は net.PacketConn を包み、禁止ポートからのデータグラムを破棄し、
// インターセプターによる観測値の書き換えを適用します。
// quic-go など、独自にコネクションマイグレーションを行うスタックの下で使用できます。
package udp

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/log"
	"github.com/aptpod/qpath-go/migration"
	"github.com/aptpod/qpath-go/netpath"
)

var defaultConfig = Config{
	Endpoint:     intercept.EndpointServer,
	BlockedPorts: nil,
	Sink:         event.NewNop(),
	Logger:       log.NewNop(),
	Clock:        clock.New(),
}

// Config は、FilterConn の設定です。
type Config struct {
	// Endpoint は、インターセプターとイベントに渡す端点種別です。
	Endpoint intercept.EndpointType
	// BlockedPorts は、受信を拒否する送信元ポートです。nil の場合は migration.DefaultBlockedPorts です。
	BlockedPorts *migration.BlockedPortSet
	Interceptors []intercept.Interceptor
	// Sink は、破棄したデータグラムの通知先です。
	Sink   event.Sink
	Logger log.Logger
	Clock  clock.Clock
}

// Option は、FilterConn のオプションです。
type Option func(c *Config)

// WithEndpoint は、端点種別を設定します。
func WithEndpoint(e intercept.EndpointType) Option {
	return func(c *Config) { c.Endpoint = e }
}

// WithBlockedPorts は、禁止ポートを設定します。
func WithBlockedPorts(s *migration.BlockedPortSet) Option {
	return func(c *Config) { c.BlockedPorts = s }
}

// WithInterceptors は、インターセプターを追加します。
func WithInterceptors(is ...intercept.Interceptor) Option {
	return func(c *Config) { c.Interceptors = append(c.Interceptors, is...) }
}

// WithSink は、イベントの通知先を設定します。
func WithSink(s event.Sink) Option {
	return func(c *Config) { c.Sink = s }
}

// WithLogger は、ロガーを設定します。
func WithLogger(l log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock は、タイムスタンプに使用する時計を設定します。
func WithClock(cl clock.Clock) Option {
	return func(c *Config) { c.Clock = cl }
}

// FilterConn は、受信規則を適用する net.PacketConn です。送信はそのまま下位のコネクションへ渡します。
type FilterConn struct {
	net.PacketConn
	ctx         context.Context
	cfg         Config
	subject     intercept.Subject
	interceptor intercept.Chain
	local       netip.AddrPort

	// 破棄ログの流量制限
	logLimiter *rate.Limiter
	dropped    atomic.Uint64
}

// NewFilterConn は、pc を包んだ FilterConn を返します。
func NewFilterConn(pc net.PacketConn, opts ...Option) *FilterConn {
	cfg := defaultConfig
	cfg.Interceptors = nil
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.BlockedPorts == nil {
		cfg.BlockedPorts = migration.DefaultBlockedPorts()
	}
	local, _ := netpath.NormalizeAddr(pc.LocalAddr())
	return &FilterConn{
		PacketConn:  pc,
		ctx:         context.Background(),
		cfg:         cfg,
		subject:     intercept.Subject{Endpoint: cfg.Endpoint},
		interceptor: intercept.NewChain(cfg.Interceptors...),
		local:       local,
		logLimiter:  rate.NewLimiter(rate.Every(5*time.Second), 10),
	}
}

// Dropped は、破棄したデータグラムの数を返します。
func (c *FilterConn) Dropped() uint64 {
	return c.dropped.Load()
}

// ReadFrom は、受け入れ規則を満たすデータグラムを受信するまでブロックします。
func (c *FilterConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}
		remote, err := netpath.NormalizeAddr(addr)
		if err != nil {
			return n, addr, nil
		}
		now := c.cfg.Clock.Now()
		observed := remote
		c.interceptor.RxRemoteAddress(c.subject, &remote)
		remote = netpath.Normalize(remote)
		if !remote.IsValid() {
			c.drop(remote, n, event.DropReasonInvalidAddress, event.DenyNone, now)
			continue
		}
		if c.cfg.BlockedPorts.Contains(remote.Port()) {
			c.drop(remote, n, event.DropReasonRejectedConnectionMigration, event.DenyBlockedPort, now)
			continue
		}
		payload := c.interceptor.RxDatagram(c.subject, intercept.Datagram{
			Timestamp: now,
			Local:     c.local,
			Remote:    remote,
			Len:       n,
		}, p[:n])
		if len(payload) == 0 {
			c.drop(remote, n, event.DropReasonDecodingFailed, event.DenyNone, now)
			continue
		}
		n = copy(p, payload)
		if remote == observed {
			return n, addr, nil
		}
		return n, net.UDPAddrFromAddrPort(remote), nil
	}
}

func (c *FilterConn) drop(remote netip.AddrPort, n int, reason event.DropReason, deny event.MigrationDenyReason, now time.Time) {
	c.dropped.Add(1)
	c.cfg.Sink.Emit(event.DatagramDropped{
		Meta:   event.Meta{Subject: c.subject, Timestamp: now},
		Local:  c.local,
		Remote: remote,
		Len:    n,
		Reason: reason,
		Deny:   deny,
	})
	if c.logLimiter.Allow() {
		c.cfg.Logger.Warnf(c.ctx, "Dropped a datagram from %s (%s): %d bytes", remote, reason, n)
	}
}
