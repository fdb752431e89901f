// Package recovery は、PTO (Probe Timeout) のバックオフ管理と、その上限を超えた場合にコネクションを終了させるインターロックを提供します。
package recovery

import (
	"math"
	"time"

	"github.com/aptpod/qpath-go/errors"
)

// MaxPTOBackoff は、PTOバックオフ乗数の上限です。
//
// この値を超える乗数が必要になった時点でコネクションは即時クローズされます。
const MaxPTOBackoff uint32 = 1 << 10

// Backoff は、連続したPTOに対するバックオフ乗数です。
//
// ゼロ値は乗数1を表します。
type Backoff struct {
	multiplier uint32
}

// Value は、現在の乗数を返します。
func (b *Backoff) Value() uint32 {
	if b.multiplier == 0 {
		return 1
	}
	return b.multiplier
}

// Reset は、乗数を1に戻します。
func (b *Backoff) Reset() {
	b.multiplier = 1
}

// Interlock は、バックオフ乗数が上限を超えないことを保証します。
type Interlock struct {
	ceiling uint32
}

// NewInterlock は、上限 MaxPTOBackoff の Interlock を返します。
func NewInterlock() Interlock {
	return Interlock{ceiling: MaxPTOBackoff}
}

// Ceiling は、乗数の上限を返します。
func (i Interlock) Ceiling() uint32 {
	if i.ceiling == 0 {
		return MaxPTOBackoff
	}
	return i.ceiling
}

// Next は、PTO発火時に乗数を倍にします。
//
// 倍にした値が上限を超える場合は b を変更せずに errors.ErrPTOBackoffExceeded を返します。
func (i Interlock) Next(b *Backoff) (uint32, error) {
	next := saturatingMul(b.Value(), 2)
	if next > i.Ceiling() {
		return b.Value(), errors.ErrPTOBackoffExceeded
	}
	b.multiplier = next
	return next, nil
}

func saturatingMul(a, b uint32) uint32 {
	res := uint64(a) * uint64(b)
	if res > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(res)
}

// Scaled は、pto に乗数を掛けた値を返します。オーバーフローする場合は最大値で飽和します。
func Scaled(pto time.Duration, multiplier uint32) time.Duration {
	if pto <= 0 || multiplier == 0 {
		return 0
	}
	if pto > time.Duration(math.MaxInt64/int64(multiplier)) {
		return time.Duration(math.MaxInt64)
	}
	return pto * time.Duration(multiplier)
}
