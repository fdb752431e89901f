package buffer

import (
	"github.com/aptpod/qpath-go/errors"
)

var _ Storage = (*Reassembler)(nil)

// Reassembler は、オフセット付きで届くストリームデータを並べ替えて連続したバイト列として読み出すバッファです。
//
// 順序外に届いたデータはオフセットごとに保持し、連続した部分から読み出し可能になります。
type Reassembler struct {
	readOffset uint64
	ready      []Chunk
	readyLen   int
	pending    map[uint64][]byte

	finalSize    uint64
	hasFinalSize bool
}

// NewReassembler は、空の Reassembler を返します。
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending: map[uint64][]byte{},
	}
}

// Write は、offset から始まるデータを書き込みます。fin が true の場合、データの終端が確定します。
func (r *Reassembler) Write(offset uint64, bs []byte, fin bool) error {
	end := offset + uint64(len(bs))
	if r.hasFinalSize && end > r.finalSize {
		return errors.Errorf("data beyond final size %d: %w", r.finalSize, errors.ErrMalformedFrame)
	}
	if fin {
		if r.hasFinalSize && r.finalSize != end {
			return errors.Errorf("final size changed from %d to %d: %w", r.finalSize, end, errors.ErrMalformedFrame)
		}
		if highest := r.highestOffset(); end < highest {
			return errors.Errorf("final size %d is below received offset %d: %w", end, highest, errors.ErrMalformedFrame)
		}
		r.finalSize = end
		r.hasFinalSize = true
	}

	received := r.readOffset + uint64(r.readyLen)
	if end <= received || len(bs) == 0 {
		return nil
	}
	if offset < received {
		bs = bs[received-offset:]
		offset = received
	}
	if existing, ok := r.pending[offset]; ok && len(existing) >= len(bs) {
		return nil
	}
	buf := make([]byte, len(bs))
	copy(buf, bs)
	r.pending[offset] = buf
	r.promote()
	return nil
}

func (r *Reassembler) highestOffset() uint64 {
	highest := r.readOffset + uint64(r.readyLen)
	for off, bs := range r.pending {
		highest = max(highest, off+uint64(len(bs)))
	}
	return highest
}

func (r *Reassembler) promote() {
	for {
		next := r.readOffset + uint64(r.readyLen)
		var (
			found bool
			best  []byte
		)
		for off, bs := range r.pending {
			end := off + uint64(len(bs))
			if off > next {
				continue
			}
			delete(r.pending, off)
			if end <= next {
				continue
			}
			if trimmed := bs[next-off:]; len(trimmed) > len(best) {
				best = trimmed
				found = true
			}
		}
		if !found {
			return
		}
		r.ready = append(r.ready, Owned(best))
		r.readyLen += len(best)
	}
}

// Finished は、終端まで全て読み出し済みかどうかを返します。
func (r *Reassembler) Finished() bool {
	return r.hasFinalSize && r.readyLen == 0 && r.readOffset == r.finalSize
}

// ReadOffset は、読み出し済みのオフセットを返します。
func (r *Reassembler) ReadOffset() uint64 {
	return r.readOffset
}

func (r *Reassembler) BufferedLen() int {
	return r.readyLen
}

func (r *Reassembler) ReadChunk(watermark int) (Chunk, error) {
	if len(r.ready) == 0 || watermark <= 0 {
		return Chunk{}, nil
	}
	head := &r.ready[0]
	chunk, err := head.ReadChunk(watermark)
	if err != nil {
		return Chunk{}, err
	}
	if head.IsEmpty() {
		r.ready = r.ready[1:]
	}
	r.readyLen -= chunk.Len()
	r.readOffset += uint64(chunk.Len())
	return chunk, nil
}

func (r *Reassembler) CopyInto(dst Writer) error {
	for r.readyLen > 0 && dst.RemainingCapacity() > 0 {
		chunk, err := r.ReadChunk(dst.RemainingCapacity())
		if err != nil {
			return err
		}
		dst.Put(chunk.Bytes())
	}
	return nil
}

func (r *Reassembler) PartialCopyInto(dst Writer) (Chunk, error) {
	for len(r.ready) > 1 && dst.RemainingCapacity() > r.ready[0].Len() {
		chunk, err := r.ReadChunk(r.ready[0].Len())
		if err != nil {
			return Chunk{}, err
		}
		dst.Put(chunk.Bytes())
	}
	return r.ReadChunk(dst.RemainingCapacity())
}
