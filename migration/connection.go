// Package migration は、コネクションのパス管理とコネクションマイグレーションを提供します。
//
// Connection は受信データグラムごとに観測アドレスを正規化し、受け入れ判定、パス検証、
// アクティブパスの選択、PTOバックオフの上限監視を行います。
// Connection はゴルーチンセーフではありません。1つのゴルーチンから操作してください。
package migration

import (
	"context"
	"io"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/log"
	"github.com/aptpod/qpath-go/netpath"
	"github.com/aptpod/qpath-go/recovery"
	"github.com/aptpod/qpath-go/wire"
)

const numSpaces = int(wire.SpaceApplication) + 1

// Params は、コネクション生成時のパラメーターです。
type Params struct {
	// ID は、コネクションIDです。ゼロ値の場合は生成します。
	ID       uuid.UUID
	Endpoint intercept.EndpointType
	// Local と Remote は、最初のパスのアドレスです。
	Local  netip.AddrPort
	Remote netip.AddrPort
	// Opener は、パケットの復号に使用します。nil の場合は wire.PlainOpener です。
	Opener Opener
	Now    time.Time
}

// Stats は、コネクションの統計情報です。
type Stats struct {
	Phase             Phase
	DatagramsReceived uint64
	DatagramsDropped  uint64
	PacketsSent       uint64
	PTOCount          uint64
	Selector          SelectorStats
}

type pathControl struct {
	path  netpath.Identity
	frame wire.Frame
}

// Connection は、1つのコネクションのパス管理を行います。
type Connection struct {
	ctx         context.Context
	cfg         Config
	subject     intercept.Subject
	opener      Opener
	interceptor intercept.Chain
	logger      log.Logger
	sink        event.Sink
	rand        io.Reader

	phase     Phase
	table     *netpath.Table
	sel       *selector
	interlock recovery.Interlock
	rtt       recovery.RTTProvider
	rttStats  *recovery.RTTStats

	pn      wire.PacketNumberGenerator
	txSpace wire.Space

	// ピアの非プロービングパケットの最大パケット番号と、その送信元パス
	largestPN     uint64
	hasLargestPN  bool
	peerLatest    netpath.Identity
	migrateTarget netpath.Identity
	hasMigrate    bool

	control  []pathControl
	queue    []wire.Frame
	probe    bool
	received [numSpaces][]uint64
	ackDue   [numSpaces]bool

	sent                 []*sentPacket
	lastAckElicitingSent time.Time
	lastTimeout          time.Time

	closeErr          *errors.ConnectionError
	closeFramePending bool
	closePath         netpath.Identity

	stats Stats
}

// NewConnection は、Connection を返します。
//
// クライアントの最初のパスはクライアント自身が選んだアドレスのため検証済みとして扱います。
// サーバーの最初のパスはハンドシェイクで検証されるまで未検証です。
func NewConnection(ctx context.Context, p Params, cfg Config) (*Connection, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	if p.Endpoint != intercept.EndpointClient && p.Endpoint != intercept.EndpointServer {
		return nil, errors.Errorf("invalid endpoint type %s: %w", p.Endpoint, errors.ErrQPath)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Opener == nil {
		p.Opener = wire.PlainOpener{}
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	id := netpath.NewIdentity(p.Local, p.Remote)
	if err := id.Validate(); err != nil {
		return nil, err
	}

	ctx = log.WithTrackConnectionID(ctx, p.ID.String())
	table := netpath.NewTable(ctx, cfg.MaxTrackedPaths, cfg.AmplificationFactor)
	c := &Connection{
		ctx:         ctx,
		cfg:         cfg,
		subject:     intercept.Subject{ConnectionID: p.ID, Endpoint: p.Endpoint},
		opener:      p.Opener,
		interceptor: intercept.NewChain(cfg.Interceptors...),
		logger:      cfg.Logger,
		sink:        cfg.Sink,
		rand:        cfg.Rand,
		phase:       PhaseHandshaking,
		table:       table,
		sel:         newSelector(table),
		interlock:   recovery.NewInterlock(),
		rtt:         cfg.RTT,
		txSpace:     wire.SpaceInitial,
	}
	if c.rtt == nil {
		c.rttStats = recovery.NewRTTStats(nil)
		c.rtt = c.rttStats
	}

	state := netpath.StatePendingValidation
	if p.Endpoint == intercept.EndpointClient {
		state = netpath.StateValidated
		c.probe = true
	}
	path, _, err := table.Insert(id, state, p.Now, false)
	if err != nil {
		return nil, err
	}
	if err := table.InitActive(id); err != nil {
		return nil, err
	}
	c.emit(event.PathCreated{Meta: c.meta(p.Now), Path: id})
	c.logger.Infof(path.Context(), "Opened %s connection on %s", p.Endpoint, id)
	return c, nil
}

func (c *Connection) meta(now time.Time) event.Meta {
	return event.Meta{Subject: c.subject, Timestamp: now}
}

func (c *Connection) emit(e event.Event) {
	c.sink.Emit(e)
}

// ID は、コネクションIDを返します。
func (c *Connection) ID() uuid.UUID {
	return c.subject.ConnectionID
}

// Endpoint は、端点種別を返します。
func (c *Connection) Endpoint() intercept.EndpointType {
	return c.subject.Endpoint
}

// Phase は、コネクションのフェーズを返します。
func (c *Connection) Phase() Phase {
	return c.phase
}

// ActivePath は、アクティブパスの識別子を返します。
func (c *Connection) ActivePath() netpath.Identity {
	return c.table.Active().Identity()
}

// Paths は、追跡中のパスのスナップショットを登録順に返します。
func (c *Connection) Paths() []netpath.Info {
	paths := c.table.Paths()
	res := make([]netpath.Info, 0, len(paths))
	for _, p := range paths {
		res = append(res, p.Info())
	}
	return res
}

// Err は、コネクションが閉じた原因を返します。閉じていない場合は nil です。
func (c *Connection) Err() *errors.ConnectionError {
	return c.closeErr
}

// Stats は、統計情報を返します。
func (c *Connection) Stats() Stats {
	s := c.stats
	s.Phase = c.phase
	s.Selector = c.sel.stats()
	return s
}

// ConfirmHandshake は、ハンドシェイクの確定を通知します。
//
// 以降、観測アドレスの変化はマイグレーションとして扱われます。
// サーバーはクライアントへHANDSHAKE_DONEを送信します。
func (c *Connection) ConfirmHandshake(now time.Time) {
	if c.phase != PhaseHandshaking {
		return
	}
	c.phase = PhaseHandshakeConfirmed
	c.txSpace = wire.SpaceApplication
	c.discardSpace(wire.SpaceInitial)
	c.discardSpace(wire.SpaceHandshake)
	if c.subject.Endpoint == intercept.EndpointServer {
		c.queue = append(c.queue, &wire.HandshakeDoneFrame{})
	}
	c.logger.Infof(c.ctx, "Handshake confirmed on %s", c.ActivePath())
}

// Send は、アクティブパスで送信するフレームをキューに追加します。
//
// フレームはハンドシェイク確定後にアプリケーション空間で送信され、PTO時に再送されます。
func (c *Connection) Send(frames ...wire.Frame) error {
	if c.phase.IsClosed() {
		return errors.ErrConnectionClosed
	}
	c.queue = append(c.queue, frames...)
	return nil
}

// Migrate は、ローカルアドレス local への移行を開始します。
//
// 新しいパスの検証が完了した時点でアクティブパスが切り替わります。
func (c *Connection) Migrate(local netip.AddrPort, now time.Time) error {
	if c.phase != PhaseHandshakeConfirmed {
		return errors.Errorf("cannot migrate in phase %s: %w", c.phase, errors.ErrQPath)
	}
	active := c.table.Active()
	id := netpath.NewIdentity(local, active.Identity().Remote)
	if err := id.Validate(); err != nil {
		return err
	}
	p, ok := c.table.Lookup(id)
	if ok && p.State() == netpath.StateAbandoned {
		c.table.Remove(id)
		ok = false
	}
	if !ok {
		var err error
		p, err = c.insertPath(id, now, c.cfg.EvictValidatedPaths)
		if err != nil {
			return err
		}
		// リモートアドレスはアクティブパスで検証済み
		p.DisableAmplificationLimit()
	}
	if p.State() == netpath.StateValidated {
		c.promote(p, now)
		return nil
	}
	c.migrateTarget = id
	c.hasMigrate = true
	if p.State() == netpath.StatePendingValidation {
		if err := c.beginValidation(p, now); err != nil {
			return err
		}
	}
	c.logger.Infof(p.Context(), "Migrating from %s to %s", active.Identity(), id)
	return nil
}

// AbandonPath は、パスを使用不能として放棄します。
//
// アクティブパスを放棄する場合は、直前のアクティブパスまたは最後に使用した検証済みパスへ切り替えます。
// 切り替え先がない場合はエラーを返します。
func (c *Connection) AbandonPath(id netpath.Identity, now time.Time) error {
	p, ok := c.table.Lookup(id)
	if !ok {
		return errors.Errorf("%s: %w", id, errors.ErrUnknownPath)
	}
	if p.IsActive() {
		next := c.sel.fallback()
		if next == nil {
			return errors.Errorf("no validated path to fall back from %s: %w", id, errors.ErrQPath)
		}
		c.promote(next, now)
	}
	c.abandon(p, event.AbandonReasonLocal, now)
	return nil
}

// Close は、アプリケーションによりコネクションを閉じます。
func (c *Connection) Close(reason string, now time.Time) {
	c.closeWith(&errors.ConnectionError{Kind: errors.CloseKindApplication, Reason: reason}, now, true)
}

func (c *Connection) closeWith(err *errors.ConnectionError, now time.Time, sendFrame bool) {
	if c.closeErr != nil {
		return
	}
	c.closeErr = err
	c.closePath = c.ActivePath()
	for _, p := range c.table.AbandonAll() {
		c.emit(event.PathAbandoned{Meta: c.meta(now), Path: p.Identity(), Reason: event.AbandonReasonConnectionClosed})
	}
	c.control = nil
	c.queue = nil
	c.probe = false
	c.sent = nil
	c.ackDue = [numSpaces]bool{}
	c.hasMigrate = false
	if sendFrame {
		c.phase = PhaseClosing
		c.closeFramePending = true
	} else {
		c.phase = PhaseClosed
	}
	c.emit(event.ConnectionClosed{Meta: c.meta(now), Err: err})
	if err.Kind == errors.CloseKindImmediate {
		c.logger.Warnf(c.ctx, "Closed connection: %v", err)
	} else {
		c.logger.Infof(c.ctx, "Closed connection: %v", err)
	}
}

func (c *Connection) insertPath(id netpath.Identity, now time.Time, evict bool) (*netpath.Path, error) {
	p, evicted, err := c.table.Insert(id, netpath.StatePendingValidation, now, evict)
	if err != nil {
		return nil, err
	}
	var evictedID netpath.Identity
	if evicted != nil {
		evictedID = evicted.Identity()
		c.dropControl(evictedID)
		c.emit(event.PathAbandoned{Meta: c.meta(now), Path: evictedID, Reason: event.AbandonReasonEvicted})
		c.logger.Debugf(evicted.Context(), "Evicted path %s", evictedID)
	}
	// 検証を開始しないまま残ったパスでテーブルが埋まらないよう期限を設ける
	p.ExpireAt(now.Add(c.validationTimeout()))
	c.emit(event.PathCreated{Meta: c.meta(now), Path: id, Evicted: evictedID})
	c.logger.Debugf(p.Context(), "Created path %s", id)
	return p, nil
}

func (c *Connection) validationTimeout() time.Duration {
	return max(3*recovery.PTO(c.rtt, c.cfg.MaxAckDelay), c.cfg.ValidationTimeout)
}

func (c *Connection) beginValidation(p *netpath.Path, now time.Time) error {
	var data [8]byte
	if _, err := io.ReadFull(c.rand, data[:]); err != nil {
		return errors.Errorf("generate path challenge: %w", err)
	}
	timeout := c.validationTimeout()
	if !p.BeginValidation(data, now, timeout) {
		return nil
	}
	c.control = append(c.control, pathControl{path: p.Identity(), frame: &wire.PathChallengeFrame{Data: data}})
	c.logger.Debugf(p.Context(), "Validating path %s (timeout %s)", p.Identity(), timeout)
	return nil
}

func (c *Connection) promote(p *netpath.Path, now time.Time) {
	prev, changed, err := c.sel.promote(p)
	if err != nil {
		c.logger.Warnf(p.Context(), "Failed to promote path: %v", err)
		return
	}
	if c.hasMigrate && c.migrateTarget == p.Identity() {
		c.hasMigrate = false
	}
	if !changed {
		return
	}
	var prevID netpath.Identity
	if prev != nil {
		prevID = prev.Identity()
	}
	id := p.Identity()
	c.emit(event.ActivePathUpdated{Meta: c.meta(now), Previous: prevID, Local: id.Local, Remote: id.Remote})
	c.logger.Infof(p.Context(), "Active path updated from %s to %s", prevID, id)
}

func (c *Connection) abandon(p *netpath.Path, reason event.AbandonReason, now time.Time) {
	if !p.Abandon() {
		return
	}
	id := p.Identity()
	c.dropControl(id)
	if c.hasMigrate && c.migrateTarget == id {
		c.hasMigrate = false
	}
	c.emit(event.PathAbandoned{Meta: c.meta(now), Path: id, Reason: reason})
	c.logger.Infof(p.Context(), "Abandoned path %s: %s", id, reason)
}

func (c *Connection) dropControl(id netpath.Identity) {
	res := c.control[:0]
	for _, ctl := range c.control {
		if ctl.path != id {
			res = append(res, ctl)
		}
	}
	c.control = res
}

func (c *Connection) dropChallenges(id netpath.Identity) {
	res := c.control[:0]
	for _, ctl := range c.control {
		if _, ok := ctl.frame.(*wire.PathChallengeFrame); ok && ctl.path == id {
			continue
		}
		res = append(res, ctl)
	}
	c.control = res
}
