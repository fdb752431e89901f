package wire

import (
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/aptpod/qpath-go/buffer"
	"github.com/aptpod/qpath-go/errors"
)

// Packet は、データグラムから取り出したパケットです。
type Packet struct {
	Space  Space
	Number uint64
	// Payload は、パケットのフレーム列です。データグラムのバッファを借用している場合があります。
	Payload buffer.Chunk
	// Authenticated は、コネクションの鍵の保持者が生成したパケットであることが確認できた場合に true です。
	Authenticated bool
}

// AppendPacket は、ヘッダーとペイロードを b へ追記します。
//
// ヘッダーはパケット番号空間の1バイト、パケット番号、ペイロード長の順です。
// 1つのデータグラムに複数のパケットを連結できます。
func AppendPacket(b []byte, s Space, pn uint64, payload []byte) []byte {
	b = append(b, byte(s))
	b = quicvarint.Append(b, pn)
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// ParsePacket は、b の先頭のパケットをデコードし、残りのバイト列を返します。
func ParsePacket(b []byte) (Space, uint64, []byte, []byte, error) {
	if len(b) == 0 {
		return 0, 0, nil, nil, errors.Errorf("empty packet: %w", errors.ErrMalformedFrame)
	}
	s := Space(b[0])
	if !s.Valid() {
		return 0, 0, nil, nil, errors.Errorf("packet number space %d: %w", b[0], errors.ErrMalformedFrame)
	}
	r := &frameReader{b: b, off: 1}
	pn, err := r.varint()
	if err != nil {
		return 0, 0, nil, nil, err
	}
	n, err := r.varint()
	if err != nil {
		return 0, 0, nil, nil, err
	}
	payload, err := r.bytes(n)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	return s, pn, payload, b[r.off:], nil
}

// PlainOpener は、暗号化されていないパケットを取り出す Opener です。
//
// デコードできたパケットは全て認証済みとして扱います。シミュレーションとテストで使用します。
type PlainOpener struct{}

// Open は、データグラムに連結されたパケットを取り出します。
//
// 1つ目のパケットがデコードできない場合はエラーを返します。
// 2つ目以降でデコードに失敗した場合は、それまでのパケットを返します。
func (PlainOpener) Open(datagram []byte) ([]Packet, error) {
	var res []Packet
	for len(datagram) > 0 {
		s, pn, payload, rest, err := ParsePacket(datagram)
		if err != nil {
			if len(res) == 0 {
				return nil, err
			}
			return res, nil
		}
		res = append(res, Packet{
			Space:         s,
			Number:        pn,
			Payload:       buffer.Slice(payload),
			Authenticated: true,
		})
		datagram = rest
	}
	if len(res) == 0 {
		return nil, errors.Errorf("no packet in datagram: %w", errors.ErrMalformedFrame)
	}
	return res, nil
}
