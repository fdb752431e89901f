package wire

import (
	"fmt"
	"sync/atomic"
)

// Space は、パケット番号空間です。
type Space uint8

const (
	SpaceInitial Space = iota
	SpaceHandshake
	SpaceApplication

	numSpaces
)

func (s Space) String() string {
	switch s {
	case SpaceInitial:
		return "Initial"
	case SpaceHandshake:
		return "Handshake"
	case SpaceApplication:
		return "Application"
	default:
		return fmt.Sprintf("UnknownSpace(%d)", s)
	}
}

// Valid は、既知のパケット番号空間かどうかを返します。
func (s Space) Valid() bool {
	return s < numSpaces
}

// PacketNumberGenerator は、パケット番号空間ごとに単調増加するパケット番号を払い出します。
type PacketNumberGenerator struct {
	next [numSpaces]atomic.Uint64
}

// Next は、次のパケット番号を返します。最初の番号は0です。
func (g *PacketNumberGenerator) Next(s Space) uint64 {
	return g.next[s].Add(1) - 1
}

// Peek は、次に払い出すパケット番号を返します。
func (g *PacketNumberGenerator) Peek(s Space) uint64 {
	return g.next[s].Load()
}
