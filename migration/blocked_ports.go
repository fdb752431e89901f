package migration

import (
	"slices"
	"strconv"
	"strings"
)

// DefaultBlockedPortNumbers は、デフォルトで拒否するリモートポートです。
//
// 0は正当な送信元ポートではありません。それ以外はリフレクション攻撃に使用されるUDPサービスのポートです。
var DefaultBlockedPortNumbers = []uint16{
	0,     // reserved
	19,    // chargen
	53,    // DNS
	123,   // NTP
	1900,  // SSDP
	5353,  // mDNS
	11211, // memcached
}

// BlockedPortSet は、マイグレーション先として拒否するリモートポートの集合です。
//
// 生成後は変更できないため、複数のコネクションから同時に参照できます。
type BlockedPortSet struct {
	ports map[uint16]struct{}
}

// NewBlockedPortSet は、ports を含む BlockedPortSet を返します。
func NewBlockedPortSet(ports ...uint16) *BlockedPortSet {
	s := &BlockedPortSet{ports: make(map[uint16]struct{}, len(ports))}
	for _, p := range ports {
		s.ports[p] = struct{}{}
	}
	return s
}

// DefaultBlockedPorts は、DefaultBlockedPortNumbers を含む BlockedPortSet を返します。
func DefaultBlockedPorts() *BlockedPortSet {
	return NewBlockedPortSet(DefaultBlockedPortNumbers...)
}

// Contains は、port が拒否対象かどうかを返します。
func (s *BlockedPortSet) Contains(port uint16) bool {
	if s == nil {
		return false
	}
	_, ok := s.ports[port]
	return ok
}

// Ports は、拒否対象のポートを昇順で返します。
func (s *BlockedPortSet) Ports() []uint16 {
	if s == nil {
		return nil
	}
	res := make([]uint16, 0, len(s.ports))
	for p := range s.ports {
		res = append(res, p)
	}
	slices.Sort(res)
	return res
}

func (s *BlockedPortSet) String() string {
	ports := s.Ports()
	strs := make([]string, len(ports))
	for i, p := range ports {
		strs[i] = strconv.Itoa(int(p))
	}
	return "[" + strings.Join(strs, ",") + "]"
}
