// Package intercept は、受信データグラムの観測値を書き換えるフックを提供します。
//
// フックの出力はその後の処理にとって正しい観測値として扱われます。
// テストでのアドレス変更やパケット破棄の再現に使用します。
package intercept

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/aptpod/qpath-go/wire"
)

// EndpointType は、コネクションの端点種別です。
type EndpointType uint8

const (
	// EndpointClient は、クライアントです。
	EndpointClient EndpointType = iota + 1
	// EndpointServer は、サーバーです。
	EndpointServer
)

func (e EndpointType) String() string {
	switch e {
	case EndpointClient:
		return "client"
	case EndpointServer:
		return "server"
	default:
		return fmt.Sprintf("UnknownEndpointType(%d)", e)
	}
}

// Subject は、フックの呼び出し対象のコネクションです。
type Subject struct {
	ConnectionID uuid.UUID
	Endpoint     EndpointType
}

// Datagram は、受信したデータグラムのメタデータです。
type Datagram struct {
	Timestamp time.Time
	Local     netip.AddrPort
	Remote    netip.AddrPort
	Len       int
}

// Packet は、復号したパケットのメタデータです。
type Packet struct {
	Space  wire.Space
	Number uint64
}

// Interceptor は、受信処理の各段階で観測値を書き換えるフックです。
//
// 呼び出し順は RxLocalAddress, RxRemoteAddress, RxDatagram, パケットごとの RxPayload です。
type Interceptor interface {
	RxLocalAddress(s Subject, addr *netip.AddrPort)
	RxRemoteAddress(s Subject, addr *netip.AddrPort)
	RxDatagram(s Subject, d Datagram, payload []byte) []byte
	RxPayload(s Subject, p Packet, payload []byte) []byte
}

// Nop は、何も書き換えない Interceptor です。
type Nop struct{}

func (Nop) RxLocalAddress(Subject, *netip.AddrPort) {}
func (Nop) RxRemoteAddress(Subject, *netip.AddrPort) {}
func (Nop) RxDatagram(_ Subject, _ Datagram, b []byte) []byte { return b }
func (Nop) RxPayload(_ Subject, _ Packet, b []byte) []byte { return b }

// Funcs は、必要なフックだけを関数で指定できる Interceptor です。
//
// nil のフィールドは何も書き換えません。
type Funcs struct {
	LocalAddress  func(s Subject, addr *netip.AddrPort)
	RemoteAddress func(s Subject, addr *netip.AddrPort)
	Datagram      func(s Subject, d Datagram, payload []byte) []byte
	Payload       func(s Subject, p Packet, payload []byte) []byte
}

func (f Funcs) RxLocalAddress(s Subject, addr *netip.AddrPort) {
	if f.LocalAddress != nil {
		f.LocalAddress(s, addr)
	}
}

func (f Funcs) RxRemoteAddress(s Subject, addr *netip.AddrPort) {
	if f.RemoteAddress != nil {
		f.RemoteAddress(s, addr)
	}
}

func (f Funcs) RxDatagram(s Subject, d Datagram, payload []byte) []byte {
	if f.Datagram == nil {
		return payload
	}
	return f.Datagram(s, d, payload)
}

func (f Funcs) RxPayload(s Subject, p Packet, payload []byte) []byte {
	if f.Payload == nil {
		return payload
	}
	return f.Payload(s, p, payload)
}

// Chain は、複数の Interceptor を登録順に適用します。
type Chain []Interceptor

// NewChain は、nil を除いた Chain を返します。
func NewChain(is ...Interceptor) Chain {
	res := make(Chain, 0, len(is))
	for _, i := range is {
		if i != nil {
			res = append(res, i)
		}
	}
	return res
}

func (c Chain) RxLocalAddress(s Subject, addr *netip.AddrPort) {
	for _, i := range c {
		i.RxLocalAddress(s, addr)
	}
}

func (c Chain) RxRemoteAddress(s Subject, addr *netip.AddrPort) {
	for _, i := range c {
		i.RxRemoteAddress(s, addr)
	}
}

func (c Chain) RxDatagram(s Subject, d Datagram, payload []byte) []byte {
	for _, i := range c {
		payload = i.RxDatagram(s, d, payload)
	}
	return payload
}

func (c Chain) RxPayload(s Subject, p Packet, payload []byte) []byte {
	for _, i := range c {
		payload = i.RxPayload(s, p, payload)
	}
	return payload
}
