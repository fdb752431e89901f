package migration

import (
	"slices"
	"time"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/netpath"
	"github.com/aptpod/qpath-go/wire"
)

// 1データグラムに詰めるフレームの上限。ヘッダー分の余裕を残す。
const maxFramesSize = int(wire.MaxDatagramSize) - 64

// Transmit は、送信するデータグラムです。
type Transmit struct {
	// Path は、送信に使用するパスです。ホストは Path.Local から Path.Remote へ送信します。
	Path    netpath.Identity
	Payload []byte
}

type sentPacket struct {
	space        wire.Space
	number       uint64
	path         netpath.Identity
	time         time.Time
	size         int
	ackEliciting bool
	// frames は、損失時に再送するフレームです。
	frames []wire.Frame
}

type pendingPacket struct {
	space   wire.Space
	number  uint64
	payload []byte
	sent    *sentPacket
	acked   bool
}

// PollTransmit は、次に送信するデータグラムを返します。送信するものがない場合 ok は false です。
//
// アンチアンプリフィケーション制限により送信できないフレームは破棄されず、次回以降の呼び出しで再試行されます。
// ホストは ok が false になるまで繰り返し呼び出してください。
func (c *Connection) PollTransmit(now time.Time) (t Transmit, ok bool) {
	switch c.phase {
	case PhaseClosed:
		return Transmit{}, false
	case PhaseClosing:
		return c.pollClose()
	}
	if t, ok := c.pollControl(now); ok {
		return t, true
	}
	return c.pollActive(now)
}

// Reserve は、ホストが独自に組み立てたnバイトのデータグラムをパス id で送信することを記録します。
//
// 未検証パスでアンチアンプリフィケーション制限を超える場合は errors.ErrAmplificationLimited を返します。
// この場合、送信は破棄せずに保留してください。
func (c *Connection) Reserve(id netpath.Identity, n int, now time.Time) error {
	if c.phase.IsClosed() {
		return errors.ErrConnectionClosed
	}
	p, ok := c.table.Lookup(id)
	if !ok {
		return errors.Errorf("%s: %w", id, errors.ErrUnknownPath)
	}
	return p.Reserve(n, now)
}

func (c *Connection) pollClose() (Transmit, bool) {
	c.phase = PhaseClosed
	if !c.closeFramePending {
		return Transmit{}, false
	}
	c.closeFramePending = false
	var code uint64
	if c.closeErr.Kind == errors.CloseKindImmediate {
		code = 1
	}
	payload := wire.AppendFrames(nil, &wire.ConnectionCloseFrame{ErrorCode: code, Reason: c.closeErr.Reason})
	b := wire.AppendPacket(nil, c.txSpace, c.pn.Next(c.txSpace), payload)
	c.stats.PacketsSent++
	return Transmit{Path: c.closePath, Payload: b}, true
}

// pollControl は、アクティブパス以外のパスへのパス検証フレームを送信します。
func (c *Connection) pollControl(now time.Time) (Transmit, bool) {
	active := c.table.Active().Identity()
	var ids []netpath.Identity
	for _, ctl := range c.control {
		if ctl.path != active && !slices.Contains(ids, ctl.path) {
			ids = append(ids, ctl.path)
		}
	}
	for _, id := range ids {
		p, ok := c.table.Lookup(id)
		if !ok || p.State() == netpath.StateAbandoned {
			c.dropControl(id)
			continue
		}
		var frames []wire.Frame
		for _, ctl := range c.control {
			if ctl.path == id {
				frames = append(frames, ctl.frame)
			}
		}
		target := int(wire.MinDatagramSize)
		if allowance := p.SendAllowance(); allowance < uint64(target) {
			target = int(allowance)
		}
		pn := c.pn.Peek(c.txSpace)
		b := buildPacket(nil, c.txSpace, pn, wire.AppendFrames(nil, frames...), target)
		if err := p.Reserve(len(b), now); err != nil {
			c.logger.Debugf(p.Context(), "Deferred path validation frames: %v", err)
			continue
		}
		c.pn.Next(c.txSpace)
		c.dropControl(id)
		c.stats.PacketsSent++
		return Transmit{Path: id, Payload: b}, true
	}
	return Transmit{}, false
}

// pollActive は、アクティブパスへACK、パス検証フレーム、キューのフレーム、プローブを送信します。
func (c *Connection) pollActive(now time.Time) (Transmit, bool) {
	active := c.table.Active()
	id := active.Identity()

	var (
		pkts        []*pendingPacket
		nQueue      int
		usedControl bool
		usedProbe   bool
		hasInitial  bool
	)
	for s := wire.SpaceInitial; s <= wire.SpaceApplication; s++ {
		var frames, retransmit []wire.Frame
		acked := false
		ackEliciting := false
		if c.ackDue[s] && len(c.received[s]) > 0 {
			frames = append(frames, wire.NewAckFrame(c.received[s]...))
			acked = true
		}
		if s == c.txSpace {
			for _, ctl := range c.control {
				if ctl.path == id {
					frames = append(frames, ctl.frame)
					usedControl = true
					ackEliciting = true
				}
			}
			if s == wire.SpaceApplication {
				size := len(wire.AppendFrames(nil, frames...))
				for nQueue < len(c.queue) {
					n := len(c.queue[nQueue].Append(nil))
					if size+n > maxFramesSize && nQueue > 0 {
						break
					}
					size += n
					frames = append(frames, c.queue[nQueue])
					retransmit = append(retransmit, c.queue[nQueue])
					ackEliciting = true
					nQueue++
				}
			}
			if c.probe {
				if !ackEliciting {
					frames = append(frames, &wire.PingFrame{})
					ackEliciting = true
				}
				usedProbe = true
			}
		}
		if len(frames) == 0 {
			continue
		}
		pn := c.pn.Peek(s)
		pkts = append(pkts, &pendingPacket{
			space:   s,
			number:  pn,
			payload: wire.AppendFrames(nil, frames...),
			acked:   acked,
			sent: &sentPacket{
				space:        s,
				number:       pn,
				path:         id,
				time:         now,
				ackEliciting: ackEliciting,
				frames:       retransmit,
			},
		})
		if s == wire.SpaceInitial {
			hasInitial = true
		}
	}
	if len(pkts) == 0 {
		return Transmit{}, false
	}

	// クライアントのInitialパケットを含むデータグラムはサーバーの送信上限を確保するため最小サイズまで埋める
	target := 0
	if hasInitial && c.subject.Endpoint == intercept.EndpointClient {
		target = int(wire.MinDatagramSize)
	}
	var b []byte
	for i, pkt := range pkts {
		before := len(b)
		if i == len(pkts)-1 {
			b = buildPacket(b, pkt.space, pkt.number, pkt.payload, target-len(b))
		} else {
			b = wire.AppendPacket(b, pkt.space, pkt.number, pkt.payload)
		}
		pkt.sent.size = len(b) - before
	}
	if err := active.Reserve(len(b), now); err != nil {
		c.logger.Debugf(active.Context(), "Deferred transmission on active path: %v", err)
		return Transmit{}, false
	}

	for _, pkt := range pkts {
		c.pn.Next(pkt.space)
		if pkt.acked {
			c.ackDue[pkt.space] = false
		}
		c.onPacketSent(pkt.sent)
	}
	c.queue = c.queue[nQueue:]
	if usedControl {
		c.dropControl(id)
	}
	if usedProbe {
		c.probe = false
	}
	c.stats.PacketsSent += uint64(len(pkts))
	return Transmit{Path: id, Payload: b}, true
}

func (c *Connection) onPacketSent(sp *sentPacket) {
	if !sp.ackEliciting {
		return
	}
	c.sent = append(c.sent, sp)
	c.lastAckElicitingSent = sp.time
}

func (c *Connection) onAck(s wire.Space, ack *wire.AckFrame, now time.Time) {
	var largest *sentPacket
	var reset []netpath.Identity
	c.sent = slices.DeleteFunc(c.sent, func(sp *sentPacket) bool {
		if sp.space != s || !ack.Acks(sp.number) {
			return false
		}
		if sp.number == ack.LargestAcked() {
			largest = sp
		}
		// 直前のPTO以降に送信したパケットへのACKで、送信したパスのバックオフを戻す
		if !sp.time.Before(c.lastTimeout) && !slices.Contains(reset, sp.path) {
			reset = append(reset, sp.path)
		}
		return true
	})
	if largest != nil && c.rttStats != nil {
		c.rttStats.Update(now.Sub(largest.time), time.Duration(ack.Delay)*time.Microsecond)
	}
	if c.phase.IsClosed() {
		return
	}
	for _, id := range reset {
		if p, ok := c.table.Lookup(id); ok {
			p.Backoff().Reset()
		}
	}
}

func (c *Connection) discardSpace(s wire.Space) {
	c.sent = slices.DeleteFunc(c.sent, func(sp *sentPacket) bool {
		return sp.space == s
	})
	c.received[s] = nil
	c.ackDue[s] = false
}

// buildPacket は、パケットを b へ追記します。
//
// 追記後のデータグラムが target バイトに満たない場合はPADDINGで埋めます。
func buildPacket(b []byte, s wire.Space, pn uint64, payload []byte, target int) []byte {
	base := len(b)
	res := wire.AppendPacket(b, s, pn, payload)
	pad := target - (len(res) - base)
	if pad <= 0 {
		return res
	}
	padded := wire.AppendFrames(slices.Clip(payload), &wire.PaddingFrame{Len: pad})
	res = wire.AppendPacket(res[:base], s, pn, padded)
	// ペイロード長の可変長整数が伸びた分を削る
	if over := len(res) - base - target; over > 0 && over < pad {
		res = wire.AppendPacket(res[:base], s, pn, padded[:len(padded)-over])
	}
	return res
}
