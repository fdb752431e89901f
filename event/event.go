// Package event は、パス管理とコネクションマイグレーションのイベントを定義します。
//
// イベントは Sink へ同期的に通知されます。Sink の実装はブロックしてはいけません。
package event

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/netpath"
)

// Meta は、全てのイベントに共通するメタデータです。
type Meta struct {
	Subject   intercept.Subject
	Timestamp time.Time
}

// Event は、Sink へ通知されるイベントです。
type Event interface {
	// Name は、イベント名を返します。
	Name() string
	// Metadata は、イベントのメタデータを返します。
	Metadata() Meta
}

func (m Meta) Metadata() Meta { return m }

// DropReason は、データグラムを破棄した理由です。
type DropReason uint8

const (
	// DropReasonDecodingFailed は、データグラムのデコードに失敗したことを表します。
	DropReasonDecodingFailed DropReason = iota + 1
	// DropReasonInvalidAddress は、観測したアドレスが不正であることを表します。
	DropReasonInvalidAddress
	// DropReasonRejectedConnectionMigration は、マイグレーションを拒否したことを表します。
	DropReasonRejectedConnectionMigration
	// DropReasonConnectionClosed は、コネクションが既に閉じていることを表します。
	DropReasonConnectionClosed
)

func (r DropReason) String() string {
	switch r {
	case DropReasonDecodingFailed:
		return "DecodingFailed"
	case DropReasonInvalidAddress:
		return "InvalidAddress"
	case DropReasonRejectedConnectionMigration:
		return "RejectedConnectionMigration"
	case DropReasonConnectionClosed:
		return "ConnectionClosed"
	default:
		return fmt.Sprintf("UnknownDropReason(%d)", r)
	}
}

// MigrationDenyReason は、マイグレーションを拒否した理由です。
type MigrationDenyReason uint8

const (
	// DenyNone は、マイグレーション拒否以外の破棄であることを表します。
	DenyNone MigrationDenyReason = iota
	// DenyBlockedPort は、リモートポートが禁止ポートであることを表します。
	DenyBlockedPort
	// DenyTableFull は、パステーブルが上限に達していることを表します。
	DenyTableFull
	// DenyConnectionClosed は、コネクションが閉じていることを表します。
	DenyConnectionClosed
)

func (r MigrationDenyReason) String() string {
	switch r {
	case DenyNone:
		return "None"
	case DenyBlockedPort:
		return "BlockedPort"
	case DenyTableFull:
		return "PathTableFull"
	case DenyConnectionClosed:
		return "ConnectionClosed"
	default:
		return fmt.Sprintf("UnknownMigrationDenyReason(%d)", r)
	}
}

// DatagramDropped は、受信したデータグラムを破棄した時のイベントです。
type DatagramDropped struct {
	Meta
	Local  netip.AddrPort
	Remote netip.AddrPort
	Len    int
	Reason DropReason
	// Deny は、Reason が DropReasonRejectedConnectionMigration の場合の詳細です。
	Deny MigrationDenyReason
}

func (DatagramDropped) Name() string { return "DatagramDropped" }

// ActivePathUpdated は、アクティブパスが切り替わった時のイベントです。
type ActivePathUpdated struct {
	Meta
	Previous netpath.Identity
	Local    netip.AddrPort
	Remote   netip.AddrPort
}

func (ActivePathUpdated) Name() string { return "ActivePathUpdated" }

// HandshakeRemoteAddressChangeObserved は、ハンドシェイク中にリモートアドレスの変化を観測した時のイベントです。
//
// ハンドシェイク中の変化はマイグレーションとして扱われず、データグラムはアクティブパスで処理されます。
type HandshakeRemoteAddressChangeObserved struct {
	Meta
	Local   netip.AddrPort
	Initial netip.AddrPort
	Addr    netip.AddrPort
}

func (HandshakeRemoteAddressChangeObserved) Name() string {
	return "HandshakeRemoteAddressChangeObserved"
}

// ConnectionClosed は、コネクションが閉じた時のイベントです。コネクションごとに一度だけ通知されます。
type ConnectionClosed struct {
	Meta
	Err *errors.ConnectionError
}

func (ConnectionClosed) Name() string { return "ConnectionClosed" }

// PathCreated は、パステーブルにパスを登録した時のイベントです。
type PathCreated struct {
	Meta
	Path netpath.Identity
	// Evicted は、登録のために退避したパスです。退避していない場合はゼロ値です。
	Evicted netpath.Identity
}

func (PathCreated) Name() string { return "PathCreated" }

// PathValidated は、パスの検証が完了した時のイベントです。
type PathValidated struct {
	Meta
	Path netpath.Identity
}

func (PathValidated) Name() string { return "PathValidated" }

// AbandonReason は、パスを放棄した理由です。
type AbandonReason uint8

const (
	AbandonReasonValidationTimeout AbandonReason = iota + 1
	AbandonReasonEvicted
	AbandonReasonConnectionClosed
	AbandonReasonLocal
)

func (r AbandonReason) String() string {
	switch r {
	case AbandonReasonValidationTimeout:
		return "ValidationTimeout"
	case AbandonReasonEvicted:
		return "Evicted"
	case AbandonReasonConnectionClosed:
		return "ConnectionClosed"
	case AbandonReasonLocal:
		return "Local"
	default:
		return fmt.Sprintf("UnknownAbandonReason(%d)", r)
	}
}

// PathAbandoned は、パスを放棄した時のイベントです。
type PathAbandoned struct {
	Meta
	Path   netpath.Identity
	Reason AbandonReason
}

func (PathAbandoned) Name() string { return "PathAbandoned" }
