// Package buffer は、復号済みペイロードを受け渡すためのバイトストレージ機能を提供します。
//
// コアはストレージの具体的な表現（借用スライス、所有スライス、受信バッファ）を仮定せず、
// Storage インターフェースの機能のみを使用します。
package buffer

import "math"

// Storage は、バッファ済みバイト列を読み出すためのインターフェースです。
type Storage interface {
	// BufferedLen は、すぐに読み出せるバイト数を返します。
	BufferedLen() int
	// ReadChunk は、最大 watermark バイトの連続したチャンクを読み出します。
	ReadChunk(watermark int) (Chunk, error)
	// CopyInto は、dst の残り容量まで全てのバイトをコピーします。
	CopyInto(dst Writer) error
	// PartialCopyInto は、dst の残り容量までコピーしますが、最後のチャンクはコピーせずに返します。
	PartialCopyInto(dst Writer) (Chunk, error)
}

// Writer は、Storage のコピー先です。
type Writer interface {
	// RemainingCapacity は、書き込める残りバイト数を返します。
	RemainingCapacity() int
	// Put は、bs を書き込みます。bs は呼び出し後に保持されません。
	Put(bs []byte)
}

// Vec は、スライスに追記する Writer です。
type Vec struct {
	buf   []byte
	limit int
}

// NewVec は、最大 limit バイトまで書き込める Vec を返します。limit が 0 以下の場合は無制限です。
func NewVec(limit int) *Vec {
	return &Vec{limit: limit}
}

func (v *Vec) RemainingCapacity() int {
	if v.limit <= 0 {
		return math.MaxInt
	}
	return v.limit - len(v.buf)
}

func (v *Vec) Put(bs []byte) {
	v.buf = append(v.buf, bs...)
}

// Bytes は、書き込まれたバイト列を返します。
func (v *Vec) Bytes() []byte {
	return v.buf
}

// Len は、書き込まれたバイト数を返します。
func (v *Vec) Len() int {
	return len(v.buf)
}
