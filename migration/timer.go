package migration

import (
	"math"
	"time"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/recovery"
	"github.com/aptpod/qpath-go/wire"
)

// Deadline は、次に HandleTimeout を呼び出すべき時刻を返します。タイマーが不要な場合 ok は false です。
func (c *Connection) Deadline() (deadline time.Time, ok bool) {
	if c.phase.IsClosed() {
		return time.Time{}, false
	}
	if d, ok := c.ptoDeadline(); ok {
		deadline = d
	}
	for _, p := range c.table.Paths() {
		d, ok := p.ValidationDeadline()
		if !ok {
			continue
		}
		if deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	return deadline, !deadline.IsZero()
}

// HandleTimeout は、now までに期限を迎えたタイマーを処理します。
//
// PTOバックオフ乗数が上限を超える場合、コネクションを即時クローズします。
// クローズ後の呼び出しは何もしません。
func (c *Connection) HandleTimeout(now time.Time) {
	if c.phase.IsClosed() {
		return
	}
	for _, p := range c.table.Paths() {
		if p.ValidationExpired(now) {
			c.abandon(p, event.AbandonReasonValidationTimeout, now)
		}
	}
	if d, ok := c.ptoDeadline(); ok && !now.Before(d) {
		c.onPTO(now)
	}
}

func (c *Connection) ptoDeadline() (time.Time, bool) {
	if c.phase.IsClosed() {
		return time.Time{}, false
	}
	inFlight := false
	for _, sp := range c.sent {
		if sp.ackEliciting {
			inFlight = true
			break
		}
	}
	if !inFlight {
		return time.Time{}, false
	}
	pto := recovery.Scaled(recovery.PTO(c.rtt, c.cfg.MaxAckDelay), c.table.Active().PTOBackoff())
	if pto == time.Duration(math.MaxInt64) {
		return time.Time{}, false
	}
	return c.lastAckElicitingSent.Add(pto), true
}

func (c *Connection) onPTO(now time.Time) {
	active := c.table.Active()
	backoff, err := c.interlock.Next(active.Backoff())
	if err != nil {
		c.closeWith(errors.ImmediateClose(errors.ReasonPTOBackoffExceeded, err), now, true)
		return
	}
	c.stats.PTOCount++
	c.lastTimeout = now

	// 送信中のパケットは損失とみなし、再送対象のフレームをキューの先頭に戻す
	var retransmit []wire.Frame
	for _, sp := range c.sent {
		retransmit = append(retransmit, sp.frames...)
	}
	c.sent = nil
	c.queue = append(retransmit, c.queue...)
	c.probe = true
	c.logger.Debugf(active.Context(), "PTO fired on %s (backoff %d)", active.Identity(), backoff)
}
