package netpath

import (
	"fmt"
	"net/netip"

	"github.com/aptpod/qpath-go/errors"
)

// Identity は、正規化されたローカルアドレスとリモートアドレスの組です。
//
// 比較可能であり、map のキーとして使用できます。
type Identity struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// NewIdentity は、local と remote を正規化した Identity を返します。
func NewIdentity(local, remote netip.AddrPort) Identity {
	return Identity{
		Local:  Normalize(local),
		Remote: Normalize(remote),
	}
}

// Validate は、両端のアドレスが有効かどうかを検証します。
func (id Identity) Validate() error {
	if err := Validate(id.Local); err != nil {
		return errors.Errorf("local: %w", err)
	}
	if err := Validate(id.Remote); err != nil {
		return errors.Errorf("remote: %w", err)
	}
	if id.Remote.Addr().IsUnspecified() {
		return errors.Errorf("remote: unspecified address %s: %w", id.Remote, errors.ErrInvalidAddress)
	}
	return nil
}

func (id Identity) String() string {
	return fmt.Sprintf("%s<->%s", id.Local, id.Remote)
}
