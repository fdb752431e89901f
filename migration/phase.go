package migration

import "fmt"

// Phase は、コネクションのハンドシェイク進行状況です。
type Phase uint8

const (
	// PhaseHandshaking は、ハンドシェイクが確定していない状態です。
	//
	// この状態ではアドレスの変化をマイグレーションとして扱いません。
	PhaseHandshaking Phase = iota
	// PhaseHandshakeConfirmed は、ハンドシェイクが確定した状態です。
	PhaseHandshakeConfirmed
	// PhaseClosing は、CONNECTION_CLOSEの送信を待っている状態です。
	PhaseClosing
	// PhaseClosed は、コネクションが閉じた状態です。
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "Handshaking"
	case PhaseHandshakeConfirmed:
		return "HandshakeConfirmed"
	case PhaseClosing:
		return "Closing"
	case PhaseClosed:
		return "Closed"
	default:
		return fmt.Sprintf("UnknownPhase(%d)", p)
	}
}

// IsClosed は、コネクションが閉じている、または閉じようとしているかどうかを返します。
func (p Phase) IsClosed() bool {
	return p == PhaseClosing || p == PhaseClosed
}
