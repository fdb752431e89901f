package wire

import (
	"fmt"
	"slices"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/aptpod/qpath-go/errors"
)

// FrameType は、フレーム種別です。
type FrameType uint64

const (
	FrameTypePadding         FrameType = 0x00
	FrameTypePing            FrameType = 0x01
	FrameTypeAck             FrameType = 0x02
	FrameTypeStream          FrameType = 0x08
	FrameTypePathChallenge   FrameType = 0x1a
	FrameTypePathResponse    FrameType = 0x1b
	FrameTypeConnectionClose FrameType = 0x1c
	FrameTypeHandshakeDone   FrameType = 0x1e
)

const (
	streamFlagFin = 0x01
	streamFlagLen = 0x02
	streamFlagOff = 0x04
	streamTypeMax = 0x0f
)

func (t FrameType) String() string {
	switch {
	case t == FrameTypePadding:
		return "PADDING"
	case t == FrameTypePing:
		return "PING"
	case t == FrameTypeAck:
		return "ACK"
	case t >= FrameTypeStream && t <= streamTypeMax:
		return "STREAM"
	case t == FrameTypePathChallenge:
		return "PATH_CHALLENGE"
	case t == FrameTypePathResponse:
		return "PATH_RESPONSE"
	case t == FrameTypeConnectionClose:
		return "CONNECTION_CLOSE"
	case t == FrameTypeHandshakeDone:
		return "HANDSHAKE_DONE"
	default:
		return fmt.Sprintf("UnknownFrameType(0x%x)", uint64(t))
	}
}

// Frame は、パケットペイロードに含まれるフレームです。
type Frame interface {
	Type() FrameType
	Append(b []byte) []byte
}

// PaddingFrame は、連続するPADDINGフレームをまとめたものです。
type PaddingFrame struct {
	Len int
}

func (f *PaddingFrame) Type() FrameType { return FrameTypePadding }

func (f *PaddingFrame) Append(b []byte) []byte {
	return append(b, make([]byte, max(f.Len, 1))...)
}

// PingFrame は、PINGフレームです。
type PingFrame struct{}

func (f *PingFrame) Type() FrameType { return FrameTypePing }

func (f *PingFrame) Append(b []byte) []byte {
	return quicvarint.Append(b, uint64(FrameTypePing))
}

// AckRange は、確認応答したパケット番号の閉区間です。
type AckRange struct {
	Smallest uint64
	Largest  uint64
}

// AckFrame は、ACKフレームです。Ranges は Largest の降順に並びます。
type AckFrame struct {
	Delay  uint64
	Ranges []AckRange
}

// NewAckFrame は、受信したパケット番号の集合から AckFrame を生成します。
func NewAckFrame(pns ...uint64) *AckFrame {
	if len(pns) == 0 {
		return nil
	}
	sorted := slices.Clone(pns)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	f := &AckFrame{}
	cur := AckRange{Smallest: sorted[len(sorted)-1], Largest: sorted[len(sorted)-1]}
	for i := len(sorted) - 2; i >= 0; i-- {
		pn := sorted[i]
		if pn+1 == cur.Smallest {
			cur.Smallest = pn
			continue
		}
		f.Ranges = append(f.Ranges, cur)
		cur = AckRange{Smallest: pn, Largest: pn}
	}
	f.Ranges = append(f.Ranges, cur)
	return f
}

func (f *AckFrame) Type() FrameType { return FrameTypeAck }

// LargestAcked は、確認応答した最大のパケット番号を返します。
func (f *AckFrame) LargestAcked() uint64 {
	if len(f.Ranges) == 0 {
		return 0
	}
	return f.Ranges[0].Largest
}

// Acks は、pn が確認応答されているかどうかを返します。
func (f *AckFrame) Acks(pn uint64) bool {
	for _, r := range f.Ranges {
		if pn >= r.Smallest && pn <= r.Largest {
			return true
		}
	}
	return false
}

func (f *AckFrame) Append(b []byte) []byte {
	if len(f.Ranges) == 0 {
		panic("wire: ack frame without ranges")
	}
	first := f.Ranges[0]
	b = quicvarint.Append(b, uint64(FrameTypeAck))
	b = quicvarint.Append(b, first.Largest)
	b = quicvarint.Append(b, f.Delay)
	b = quicvarint.Append(b, uint64(len(f.Ranges)-1))
	b = quicvarint.Append(b, first.Largest-first.Smallest)
	prev := first
	for _, r := range f.Ranges[1:] {
		b = quicvarint.Append(b, prev.Smallest-r.Largest-2)
		b = quicvarint.Append(b, r.Largest-r.Smallest)
		prev = r
	}
	return b
}

// StreamFrame は、STREAMフレームです。
type StreamFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
	Fin      bool
}

func (f *StreamFrame) Type() FrameType { return FrameTypeStream }

func (f *StreamFrame) Append(b []byte) []byte {
	typ := uint64(FrameTypeStream) | streamFlagOff | streamFlagLen
	if f.Fin {
		typ |= streamFlagFin
	}
	b = quicvarint.Append(b, typ)
	b = quicvarint.Append(b, f.StreamID)
	b = quicvarint.Append(b, f.Offset)
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

// PathChallengeFrame は、PATH_CHALLENGEフレームです。
type PathChallengeFrame struct {
	Data [8]byte
}

func (f *PathChallengeFrame) Type() FrameType { return FrameTypePathChallenge }

func (f *PathChallengeFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypePathChallenge))
	return append(b, f.Data[:]...)
}

// PathResponseFrame は、PATH_RESPONSEフレームです。
type PathResponseFrame struct {
	Data [8]byte
}

func (f *PathResponseFrame) Type() FrameType { return FrameTypePathResponse }

func (f *PathResponseFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypePathResponse))
	return append(b, f.Data[:]...)
}

// ConnectionCloseFrame は、CONNECTION_CLOSEフレームです。
type ConnectionCloseFrame struct {
	ErrorCode uint64
	Reason    string
}

func (f *ConnectionCloseFrame) Type() FrameType { return FrameTypeConnectionClose }

func (f *ConnectionCloseFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypeConnectionClose))
	b = quicvarint.Append(b, f.ErrorCode)
	b = quicvarint.Append(b, 0)
	b = quicvarint.Append(b, uint64(len(f.Reason)))
	return append(b, f.Reason...)
}

// HandshakeDoneFrame は、HANDSHAKE_DONEフレームです。
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Type() FrameType { return FrameTypeHandshakeDone }

func (f *HandshakeDoneFrame) Append(b []byte) []byte {
	return quicvarint.Append(b, uint64(FrameTypeHandshakeDone))
}

// AppendFrames は、frames を順に b へ追記します。
func AppendFrames(b []byte, frames ...Frame) []byte {
	for _, f := range frames {
		b = f.Append(b)
	}
	return b
}

// ParseFrames は、パケットペイロードをフレーム列にデコードします。
func ParseFrames(b []byte) ([]Frame, error) {
	var res []Frame
	for len(b) > 0 {
		f, n, err := parseFrame(b)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
		b = b[n:]
	}
	return res, nil
}

type frameReader struct {
	b   []byte
	off int
}

func (r *frameReader) varint() (uint64, error) {
	v, n, err := quicvarint.Parse(r.b[r.off:])
	if err != nil {
		return 0, errors.Errorf("varint at %d: %v: %w", r.off, err, errors.ErrMalformedFrame)
	}
	r.off += n
	return v, nil
}

func (r *frameReader) bytes(n uint64) ([]byte, error) {
	if n > uint64(len(r.b)-r.off) {
		return nil, errors.Errorf("need %d bytes at %d, have %d: %w", n, r.off, len(r.b)-r.off, errors.ErrMalformedFrame)
	}
	res := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return res, nil
}

func parseFrame(b []byte) (Frame, int, error) {
	if b[0] == byte(FrameTypePadding) {
		n := 1
		for n < len(b) && b[n] == byte(FrameTypePadding) {
			n++
		}
		return &PaddingFrame{Len: n}, n, nil
	}
	r := &frameReader{b: b}
	typ, err := r.varint()
	if err != nil {
		return nil, 0, err
	}
	var f Frame
	switch t := FrameType(typ); {
	case t == FrameTypePing:
		f = &PingFrame{}
	case t == FrameTypeHandshakeDone:
		f = &HandshakeDoneFrame{}
	case t == FrameTypeAck:
		f, err = parseAck(r)
	case t >= FrameTypeStream && t <= streamTypeMax:
		f, err = parseStream(r, typ)
	case t == FrameTypePathChallenge, t == FrameTypePathResponse:
		var data []byte
		data, err = r.bytes(8)
		if err == nil {
			if t == FrameTypePathChallenge {
				fr := &PathChallengeFrame{}
				copy(fr.Data[:], data)
				f = fr
			} else {
				fr := &PathResponseFrame{}
				copy(fr.Data[:], data)
				f = fr
			}
		}
	case t == FrameTypeConnectionClose:
		f, err = parseConnectionClose(r)
	default:
		return nil, 0, errors.Errorf("unsupported frame type 0x%x: %w", typ, errors.ErrMalformedFrame)
	}
	if err != nil {
		return nil, 0, err
	}
	return f, r.off, nil
}

func parseAck(r *frameReader) (*AckFrame, error) {
	largest, err := r.varint()
	if err != nil {
		return nil, err
	}
	delay, err := r.varint()
	if err != nil {
		return nil, err
	}
	count, err := r.varint()
	if err != nil {
		return nil, err
	}
	first, err := r.varint()
	if err != nil {
		return nil, err
	}
	if first > largest {
		return nil, errors.Errorf("first ack range %d exceeds largest %d: %w", first, largest, errors.ErrMalformedFrame)
	}
	// 各レンジは最低2バイト必要
	if count > uint64(len(r.b)-r.off)/2 {
		return nil, errors.Errorf("ack range count %d: %w", count, errors.ErrMalformedFrame)
	}
	f := &AckFrame{Delay: delay, Ranges: make([]AckRange, 0, count+1)}
	cur := AckRange{Smallest: largest - first, Largest: largest}
	f.Ranges = append(f.Ranges, cur)
	for i := uint64(0); i < count; i++ {
		gap, err := r.varint()
		if err != nil {
			return nil, err
		}
		length, err := r.varint()
		if err != nil {
			return nil, err
		}
		if gap+2 > cur.Smallest || length > cur.Smallest-gap-2 {
			return nil, errors.Errorf("ack range underflow: %w", errors.ErrMalformedFrame)
		}
		next := AckRange{Largest: cur.Smallest - gap - 2}
		next.Smallest = next.Largest - length
		f.Ranges = append(f.Ranges, next)
		cur = next
	}
	return f, nil
}

func parseStream(r *frameReader, typ uint64) (*StreamFrame, error) {
	id, err := r.varint()
	if err != nil {
		return nil, err
	}
	f := &StreamFrame{StreamID: id, Fin: typ&streamFlagFin != 0}
	if typ&streamFlagOff != 0 {
		if f.Offset, err = r.varint(); err != nil {
			return nil, err
		}
	}
	length := uint64(len(r.b) - r.off)
	if typ&streamFlagLen != 0 {
		if length, err = r.varint(); err != nil {
			return nil, err
		}
	}
	if f.Data, err = r.bytes(length); err != nil {
		return nil, err
	}
	if f.Offset+uint64(len(f.Data)) > quicvarint.Max {
		return nil, errors.Errorf("stream offset %d overflows: %w", f.Offset, errors.ErrMalformedFrame)
	}
	return f, nil
}

func parseConnectionClose(r *frameReader) (*ConnectionCloseFrame, error) {
	code, err := r.varint()
	if err != nil {
		return nil, err
	}
	// 原因フレーム種別は使用しない
	if _, err := r.varint(); err != nil {
		return nil, err
	}
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	reason, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	return &ConnectionCloseFrame{ErrorCode: code, Reason: string(reason)}, nil
}
