package buffer

import "fmt"

// Kind は、Chunk のバッキング表現の種別です。
type Kind uint8

const (
	// KindSlice は、借用したスライスです。保持する場合はコピーが必要です。
	KindSlice Kind = iota
	// KindOwned は、所有権が移譲されたスライスです。そのまま保持できます。
	KindOwned
)

func (k Kind) String() string {
	switch k {
	case KindSlice:
		return "Slice"
	case KindOwned:
		return "Owned"
	default:
		return fmt.Sprintf("UnknownKind(%d)", k)
	}
}

var _ Storage = (*Chunk)(nil)

// Chunk は、連続したバイト列のチャンクです。
//
// コピーを後回しにするために返却されます。
type Chunk struct {
	kind Kind
	b    []byte
}

// Slice は、借用スライスの Chunk を返します。
func Slice(bs []byte) Chunk {
	return Chunk{kind: KindSlice, b: bs}
}

// Owned は、所有権を移譲したスライスの Chunk を返します。
func Owned(bs []byte) Chunk {
	return Chunk{kind: KindOwned, b: bs}
}

// Kind は、チャンクの種別を返します。
func (c Chunk) Kind() Kind {
	return c.kind
}

// Len は、チャンクのバイト数を返します。
func (c Chunk) Len() int {
	return len(c.b)
}

// IsEmpty は、チャンクが空かどうかを返します。
func (c Chunk) IsEmpty() bool {
	return len(c.b) == 0
}

// Bytes は、チャンクのバイト列を返します。KindSlice の場合は借用です。
func (c Chunk) Bytes() []byte {
	return c.b
}

// Retain は、呼び出し元が保持してよいバイト列を返します。
func (c Chunk) Retain() []byte {
	if c.kind == KindOwned {
		return c.b
	}
	res := make([]byte, len(c.b))
	copy(res, c.b)
	return res
}

func (c *Chunk) BufferedLen() int {
	return len(c.b)
}

func (c *Chunk) ReadChunk(watermark int) (Chunk, error) {
	n := min(watermark, len(c.b))
	if n < 0 {
		n = 0
	}
	res := Chunk{kind: c.kind, b: c.b[:n:n]}
	c.b = c.b[n:]
	return res, nil
}

func (c *Chunk) CopyInto(dst Writer) error {
	chunk, err := c.ReadChunk(dst.RemainingCapacity())
	if err != nil {
		return err
	}
	dst.Put(chunk.b)
	return nil
}

func (c *Chunk) PartialCopyInto(dst Writer) (Chunk, error) {
	// 単一チャンクなので、コピーせずにそのまま返す
	return c.ReadChunk(dst.RemainingCapacity())
}
