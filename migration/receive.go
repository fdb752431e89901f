package migration

import (
	"net/netip"
	"slices"
	"time"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/netpath"
	"github.com/aptpod/qpath-go/wire"
)

const maxTrackedReceived = 64

// Datagram は、ソケットから受信したデータグラムです。
type Datagram struct {
	Local     netip.AddrPort
	Remote    netip.AddrPort
	Payload   []byte
	Timestamp time.Time
}

// ReceivedPacket は、処理したパケットです。
type ReceivedPacket struct {
	Space  wire.Space
	Number uint64
}

// Received は、OnDatagram の処理結果です。
type Received struct {
	// Path は、データグラムを帰属させたパスです。
	Path    netpath.Identity
	Packets []ReceivedPacket
	// Streams は、受信したSTREAMフレームです。
	Streams []*wire.StreamFrame
}

// HasSpace は、パケット番号空間 s のパケットを処理したかどうかを返します。
func (r Received) HasSpace(s wire.Space) bool {
	for _, p := range r.Packets {
		if p.Space == s {
			return true
		}
	}
	return false
}

// OnDatagram は、受信したデータグラムを処理します。
//
// データグラムを破棄した場合は DatagramDropped イベントを通知し *DropError を返します。
// 破棄はコネクションにとって致命的ではありません。
func (c *Connection) OnDatagram(d Datagram) (Received, error) {
	now := d.Timestamp
	c.stats.DatagramsReceived++

	local, remote := d.Local, d.Remote
	c.interceptor.RxLocalAddress(c.subject, &local)
	c.interceptor.RxRemoteAddress(c.subject, &remote)
	payload := c.interceptor.RxDatagram(c.subject, intercept.Datagram{
		Timestamp: now,
		Local:     local,
		Remote:    remote,
		Len:       len(d.Payload),
	}, d.Payload)

	id := netpath.NewIdentity(local, remote)
	if err := id.Validate(); err != nil {
		return Received{}, c.drop(id, len(payload), event.DropReasonInvalidAddress, event.DenyNone, err, now)
	}

	path, isNew, dropErr := c.admit(id, len(payload), now)
	if dropErr != nil {
		return Received{}, dropErr
	}

	pkts, err := c.opener.Open(payload)
	if err != nil {
		return Received{}, c.drop(id, len(payload), event.DropReasonDecodingFailed, event.DenyNone, err, now)
	}

	if isNew {
		// 認証できないデータグラムだけでは新しいパスを作らない
		if !slices.ContainsFunc(pkts, func(pkt wire.Packet) bool { return pkt.Authenticated }) {
			return Received{}, c.drop(id, len(payload), event.DropReasonDecodingFailed, event.DenyNone,
				errors.Errorf("no authenticated packet from new path: %w", errors.ErrDatagramDropped), now)
		}
		path, err = c.insertPath(id, now, c.cfg.EvictValidatedPaths)
		if err != nil {
			return Received{}, c.drop(id, len(payload), event.DropReasonRejectedConnectionMigration, event.DenyTableFull, err, now)
		}
	}
	path.OnReceive(len(payload), now)

	res := Received{Path: path.Identity()}
	for _, pkt := range pkts {
		if c.phase.IsClosed() {
			break
		}
		c.onPacket(path, pkt, now, &res)
	}
	return res, nil
}

// admit は、データグラムを帰属させるパスを決定します。isNew が true の場合は新しいパスを登録する必要があります。
//
// ハンドシェイク中はアドレスの変化をマイグレーションとして扱わず、アクティブパスに帰属させます。
// ただし禁止ポートからのデータグラムはフェーズによらず破棄します。
func (c *Connection) admit(id netpath.Identity, n int, now time.Time) (*netpath.Path, bool, error) {
	if c.phase == PhaseHandshaking {
		if p, ok := c.table.Lookup(id); ok {
			return p, false, nil
		}
		active := c.table.Active()
		activeID := active.Identity()
		if id.Remote != activeID.Remote && c.cfg.BlockedPorts.Contains(id.Remote.Port()) {
			return nil, false, c.drop(id, n, event.DropReasonRejectedConnectionMigration, event.DenyBlockedPort, errors.ErrBlockedPort, now)
		}
		if id.Remote != activeID.Remote {
			c.emit(event.HandshakeRemoteAddressChangeObserved{
				Meta:    c.meta(now),
				Local:   id.Local,
				Initial: activeID.Remote,
				Addr:    id.Remote,
			})
			c.logger.Debugf(active.Context(), "Remote address changed from %s to %s during handshake", activeID.Remote, id.Remote)
		} else {
			c.logger.Debugf(active.Context(), "Local address changed from %s to %s during handshake", activeID.Local, id.Local)
		}
		return active, false, nil
	}

	d := Admit(AdmissionInput{
		Identity: id,
		Phase:    c.phase,
		Table:    c.table,
		Blocked:  c.cfg.BlockedPorts,
		Evict:    c.cfg.EvictValidatedPaths,
	})
	switch d.Kind {
	case AcceptExisting:
		// 放棄済みのパスへ戻ってきた場合は新しいパスとして検証し直す
		if d.Path.State() == netpath.StateAbandoned && c.table.Remove(id) {
			return nil, true, nil
		}
		return d.Path, false, nil
	case AcceptNewPath:
		return nil, true, nil
	}
	reason := event.DropReasonRejectedConnectionMigration
	if d.Deny == event.DenyConnectionClosed {
		reason = event.DropReasonConnectionClosed
	}
	return nil, false, c.drop(id, n, reason, d.Deny, denyError(d.Deny), now)
}

func (c *Connection) drop(id netpath.Identity, n int, reason event.DropReason, deny event.MigrationDenyReason, err error, now time.Time) *DropError {
	c.stats.DatagramsDropped++
	dropErr := &DropError{Reason: reason, Deny: deny, Err: err}
	c.logger.Debugf(c.ctx, "Dropped datagram from %s: %v", id.Remote, dropErr)
	// クローズ後はイベントを通知しない
	if c.phase.IsClosed() {
		return dropErr
	}
	c.emit(event.DatagramDropped{
		Meta:   c.meta(now),
		Local:  id.Local,
		Remote: id.Remote,
		Len:    n,
		Reason: reason,
		Deny:   deny,
	})
	return dropErr
}

func (c *Connection) onPacket(path *netpath.Path, pkt wire.Packet, now time.Time, res *Received) {
	payload := c.interceptor.RxPayload(c.subject, intercept.Packet{Space: pkt.Space, Number: pkt.Number}, pkt.Payload.Bytes())
	if !pkt.Authenticated {
		c.logger.Debugf(path.Context(), "Ignored unauthenticated %s packet %d", pkt.Space, pkt.Number)
		return
	}
	summary, err := wire.Inspect(payload)
	if err != nil {
		c.logger.Warnf(path.Context(), "Ignored %s packet %d: %v", pkt.Space, pkt.Number, err)
		return
	}
	res.Packets = append(res.Packets, ReceivedPacket{Space: pkt.Space, Number: pkt.Number})

	// ハンドシェイク中の認証済みパケットはピアのアドレス所有の証明になる
	if c.phase == PhaseHandshaking && pkt.Space != wire.SpaceInitial && path.MarkValidated(now) {
		c.emit(event.PathValidated{Meta: c.meta(now), Path: path.Identity()})
		c.logger.Debugf(path.Context(), "Validated path %s by handshake", path.Identity())
	}
	c.advanceSpace(pkt.Space)

	if summary.AckEliciting {
		c.recordReceived(pkt.Space, pkt.Number)
	}
	for _, ack := range summary.Acks {
		c.onAck(pkt.Space, ack, now)
	}
	for _, data := range summary.Challenges {
		c.control = append(c.control, pathControl{path: path.Identity(), frame: &wire.PathResponseFrame{Data: data}})
	}
	for _, data := range summary.Responses {
		c.onPathResponse(data, now)
	}
	res.Streams = append(res.Streams, summary.Streams...)
	if summary.HandshakeDone && c.subject.Endpoint == intercept.EndpointClient {
		c.ConfirmHandshake(now)
	}
	if summary.Close != nil {
		c.closeWith(&errors.ConnectionError{Kind: errors.CloseKindPeer, Reason: summary.Close.Reason}, now, false)
		return
	}

	if c.phase == PhaseHandshakeConfirmed && pkt.Space == wire.SpaceApplication && !summary.Probing {
		if !c.hasLargestPN || pkt.Number > c.largestPN {
			c.largestPN = pkt.Number
			c.hasLargestPN = true
			c.onNonProbing(path, now)
		}
	}
}

// advanceSpace は、受信したパケット番号空間に応じて送信に使用する空間を進めます。
func (c *Connection) advanceSpace(s wire.Space) {
	if c.txSpace != wire.SpaceInitial {
		return
	}
	switch {
	case s == wire.SpaceHandshake:
		c.txSpace = wire.SpaceHandshake
	case s == wire.SpaceInitial && c.subject.Endpoint == intercept.EndpointServer:
		c.txSpace = wire.SpaceHandshake
		c.probe = true
	}
}

// onNonProbing は、ピアが最大のパケット番号で非プロービングパケットを送信したパスを処理します。
func (c *Connection) onNonProbing(path *netpath.Path, now time.Time) {
	c.peerLatest = path.Identity()
	if path.IsActive() {
		return
	}
	switch path.State() {
	case netpath.StateValidated:
		c.promote(path, now)
	case netpath.StatePendingValidation:
		if err := c.beginValidation(path, now); err != nil {
			c.logger.Errorf(path.Context(), "Failed to begin path validation: %v", err)
		}
	}
}

func (c *Connection) onPathResponse(data [8]byte, now time.Time) {
	for _, p := range c.table.Paths() {
		if !p.OnChallengeResponse(data, now) {
			continue
		}
		id := p.Identity()
		c.dropChallenges(id)
		c.emit(event.PathValidated{Meta: c.meta(now), Path: id})
		c.logger.Debugf(p.Context(), "Validated path %s", id)
		if id == c.peerLatest || (c.hasMigrate && id == c.migrateTarget) {
			c.promote(p, now)
		}
		return
	}
}

func (c *Connection) recordReceived(s wire.Space, pn uint64) {
	c.received[s] = append(c.received[s], pn)
	if len(c.received[s]) > maxTrackedReceived {
		c.received[s] = c.received[s][len(c.received[s])-maxTrackedReceived:]
	}
	c.ackDue[s] = true
}
