// Package netpath は、コネクションが使用するネットワークパスの識別・状態管理を提供します。
//
// パスはローカルアドレスとリモートアドレスの組で識別されます。
// IPv4アドレスとIPv4射影IPv6アドレスは同一のアドレスとして扱われるため、
// 表現の違いによってマイグレーションと誤認されることはありません。
package netpath

import (
	"net"
	"net/netip"

	"github.com/aptpod/qpath-go/errors"
)

// Normalize は、アドレスを識別比較用に正規化します。
//
// IPv4射影IPv6アドレスはIPv4アドレスに変換されます。それ以外のアドレスは変更されません。
func Normalize(addr netip.AddrPort) netip.AddrPort {
	if !addr.Addr().Is4In6() {
		return addr
	}
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// NormalizeAddr は、net.Addr を正規化した netip.AddrPort に変換します。
//
// 変換できない場合は errors.ErrInvalidAddress を返します。
func NormalizeAddr(addr net.Addr) (netip.AddrPort, error) {
	if addr == nil {
		return netip.AddrPort{}, errors.Errorf("nil address: %w", errors.ErrInvalidAddress)
	}
	var res netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		res = a.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, errors.Errorf("%v: %w", err, errors.ErrInvalidAddress)
		}
		res = parsed
	}
	if err := Validate(res); err != nil {
		return netip.AddrPort{}, err
	}
	return Normalize(res), nil
}

// Validate は、アドレスがパスの端点として有効かどうかを検証します。
func Validate(addr netip.AddrPort) error {
	if !addr.IsValid() {
		return errors.Errorf("%q: %w", addr.String(), errors.ErrInvalidAddress)
	}
	return nil
}
