package netpath

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/log"
	"github.com/aptpod/qpath-go/recovery"
)

// DefaultAmplificationFactor は、未検証パスで受信バイト数に対して送信できるバイト数の倍率です。
const DefaultAmplificationFactor = 3

// State は、パスの検証状態です。
type State uint8

const (
	// StatePendingValidation は、パスを観測したがまだ検証を開始していない状態です。
	StatePendingValidation State = iota
	// StateValidating は、パスチャレンジを送信し応答を待っている状態です。
	StateValidating
	// StateValidated は、ピアがパスを所有していることを確認した状態です。
	StateValidated
	// StateAbandoned は、検証がタイムアウトした、またはコネクションが閉じられた状態です。
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePendingValidation:
		return "PendingValidation"
	case StateValidating:
		return "Validating"
	case StateValidated:
		return "Validated"
	case StateAbandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("UnknownState(%d)", s)
	}
}

// Path は、コネクションが追跡するネットワークパスです。
type Path struct {
	ctx context.Context
	id  Identity
	seq uint64

	state  State
	active bool

	bytesReceived        uint64
	bytesSentUnvalidated uint64
	amplificationFactor  uint64
	unlimited            bool

	challenge          [8]byte
	validationDeadline time.Time

	backoff      recovery.Backoff
	lastActivity time.Time
}

func newPath(ctx context.Context, id Identity, seq uint64, state State, factor uint64, now time.Time) *Path {
	return &Path{
		ctx:                 log.WithTrackPathID(ctx),
		id:                  id,
		seq:                 seq,
		state:               state,
		amplificationFactor: factor,
		lastActivity:        now,
	}
}

// Context は、パスのトラッキングIDがセットされたコンテキストを返します。
func (p *Path) Context() context.Context {
	return p.ctx
}

// Identity は、パスの識別子を返します。
func (p *Path) Identity() Identity {
	return p.id
}

// State は、パスの検証状態を返します。
func (p *Path) State() State {
	return p.state
}

// IsActive は、パスがアクティブパスかどうかを返します。
func (p *Path) IsActive() bool {
	return p.active
}

// IsValidated は、パスが検証済みかどうかを返します。
func (p *Path) IsValidated() bool {
	return p.state == StateValidated
}

// BytesReceived は、パスで受信したバイト数を返します。
func (p *Path) BytesReceived() uint64 {
	return p.bytesReceived
}

// BytesSentUnvalidated は、パスが未検証の間に送信したバイト数を返します。
func (p *Path) BytesSentUnvalidated() uint64 {
	return p.bytesSentUnvalidated
}

// PTOBackoff は、パスのPTOバックオフ乗数を返します。
func (p *Path) PTOBackoff() uint32 {
	return p.backoff.Value()
}

// Backoff は、パスのPTOバックオフを返します。
func (p *Path) Backoff() *recovery.Backoff {
	return &p.backoff
}

// LastActivity は、パスで最後に送受信した時刻を返します。
func (p *Path) LastActivity() time.Time {
	return p.lastActivity
}

// ValidationDeadline は、検証のタイムアウト時刻を返します。
//
// 検証中、または ExpireAt で期限を設定した PendingValidation のパス以外では ok は false です。
func (p *Path) ValidationDeadline() (deadline time.Time, ok bool) {
	if !p.expiring() {
		return time.Time{}, false
	}
	return p.validationDeadline, true
}

func (p *Path) expiring() bool {
	switch p.state {
	case StateValidating:
		return true
	case StatePendingValidation:
		return !p.validationDeadline.IsZero()
	default:
		return false
	}
}

// ExpireAt は、PendingValidation のパスが検証を開始しないまま放棄される時刻を設定します。
func (p *Path) ExpireAt(deadline time.Time) bool {
	if p.state != StatePendingValidation {
		return false
	}
	p.validationDeadline = deadline
	return true
}

// Challenge は、送信済みのパスチャレンジのデータを返します。
func (p *Path) Challenge() [8]byte {
	return p.challenge
}

// Touch は、最終アクティビティ時刻を更新します。
func (p *Path) Touch(now time.Time) {
	if now.After(p.lastActivity) {
		p.lastActivity = now
	}
}

// OnReceive は、パスでnバイト受信したことを記録します。
func (p *Path) OnReceive(n int, now time.Time) {
	p.bytesReceived += uint64(n)
	p.Touch(now)
}

// SendAllowance は、アンチアンプリフィケーション制限により現在送信できる残りバイト数を返します。
//
// 検証済みのパスには制限がありません。
func (p *Path) SendAllowance() uint64 {
	if p.state == StateValidated {
		return ^uint64(0)
	}
	if p.state == StateAbandoned {
		return 0
	}
	if p.unlimited {
		return ^uint64(0)
	}
	limit := p.bytesReceived * p.amplificationFactor
	if p.amplificationFactor != 0 && limit/p.amplificationFactor != p.bytesReceived {
		limit = ^uint64(0)
	}
	if p.bytesSentUnvalidated >= limit {
		return 0
	}
	return limit - p.bytesSentUnvalidated
}

// DisableAmplificationLimit は、パスのアンチアンプリフィケーション制限を解除します。
//
// リモートアドレスが検証済みで、ローカルアドレスだけを自ら変更したパスに使用します。
func (p *Path) DisableAmplificationLimit() {
	p.unlimited = true
}

// CanSend は、nバイトの送信がアンチアンプリフィケーション制限内かどうかを返します。
func (p *Path) CanSend(n int) bool {
	return uint64(n) <= p.SendAllowance()
}

// Reserve は、nバイトの送信を記録します。
//
// 制限を超える場合は何も記録せずに errors.ErrAmplificationLimited を返します。
// 呼び出し元は送信を破棄せず、受信バイト数が増えるまで保留する必要があります。
func (p *Path) Reserve(n int, now time.Time) error {
	if p.state == StateAbandoned {
		return errors.Errorf("path %s is abandoned: %w", p.id, errors.ErrUnknownPath)
	}
	if !p.CanSend(n) {
		return errors.Errorf("%d bytes to %s exceeds allowance %d: %w", n, p.id.Remote, p.SendAllowance(), errors.ErrAmplificationLimited)
	}
	if p.state != StateValidated {
		p.bytesSentUnvalidated += uint64(n)
	}
	p.Touch(now)
	return nil
}

// BeginValidation は、パスチャレンジを送信して検証を開始します。
//
// PendingValidation の場合のみ Validating へ遷移し true を返します。
func (p *Path) BeginValidation(challenge [8]byte, now time.Time, timeout time.Duration) bool {
	if p.state != StatePendingValidation {
		return false
	}
	p.state = StateValidating
	p.challenge = challenge
	p.validationDeadline = now.Add(timeout)
	return true
}

// OnChallengeResponse は、パスレスポンスを受信した時に呼び出します。
//
// 送信済みのチャレンジと一致した場合に Validated へ遷移し true を返します。
func (p *Path) OnChallengeResponse(data [8]byte, now time.Time) bool {
	if p.state != StateValidating {
		return false
	}
	if subtle.ConstantTimeCompare(p.challenge[:], data[:]) != 1 {
		return false
	}
	p.MarkValidated(now)
	return true
}

// MarkValidated は、パスを検証済みにします。
//
// 認証済みパケットの受信など、チャレンジ以外の方法でピアのパス所有が確認できた場合に使用します。
func (p *Path) MarkValidated(now time.Time) bool {
	if p.state == StateValidated || p.state == StateAbandoned {
		return false
	}
	p.state = StateValidated
	p.validationDeadline = time.Time{}
	p.Touch(now)
	return true
}

// ValidationExpired は、検証または検証開始待ちがタイムアウトしたかどうかを返します。
func (p *Path) ValidationExpired(now time.Time) bool {
	return p.expiring() && !now.Before(p.validationDeadline)
}

// Abandon は、パスを放棄します。Validated であっても放棄できます。
func (p *Path) Abandon() bool {
	if p.state == StateAbandoned {
		return false
	}
	p.state = StateAbandoned
	p.validationDeadline = time.Time{}
	return true
}

// Info は、パスの状態のスナップショットです。
type Info struct {
	Identity             Identity
	State                State
	Active               bool
	BytesReceived        uint64
	BytesSentUnvalidated uint64
	PTOBackoff           uint32
	LastActivity         time.Time
}

// Info は、パスの状態のスナップショットを返します。
func (p *Path) Info() Info {
	return Info{
		Identity:             p.id,
		State:                p.state,
		Active:               p.active,
		BytesReceived:        p.bytesReceived,
		BytesSentUnvalidated: p.bytesSentUnvalidated,
		PTOBackoff:           p.backoff.Value(),
		LastActivity:         p.lastActivity,
	}
}
