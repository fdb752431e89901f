package migration

import (
	"fmt"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/netpath"
)

// DecisionKind は、データグラムの受け入れ判定の種別です。
type DecisionKind uint8

const (
	// AcceptExisting は、登録済みのパスで受け入れることを表します。
	AcceptExisting DecisionKind = iota + 1
	// AcceptNewPath は、新しいパスを登録して受け入れることを表します。
	AcceptNewPath
	// Reject は、データグラムを破棄することを表します。
	Reject
)

func (k DecisionKind) String() string {
	switch k {
	case AcceptExisting:
		return "AcceptExisting"
	case AcceptNewPath:
		return "AcceptNewPath"
	case Reject:
		return "Reject"
	default:
		return fmt.Sprintf("UnknownDecisionKind(%d)", k)
	}
}

// Decision は、Admit の判定結果です。
type Decision struct {
	Kind DecisionKind
	// Deny は、Kind が Reject の場合の理由です。
	Deny event.MigrationDenyReason
	// Path は、Kind が AcceptExisting の場合の登録済みパスです。
	Path *netpath.Path
}

// AdmissionInput は、Admit の入力です。
type AdmissionInput struct {
	Identity netpath.Identity
	Phase    Phase
	Table    *netpath.Table
	Blocked  *BlockedPortSet
	// Evict は、テーブルが一杯の場合に退避を許可するかどうかです。
	Evict bool
}

// Admit は、観測したパスでデータグラムを受け入れるかどうかを判定します。
//
// 判定順は、登録済みパス、禁止ポート、テーブルの空き、新規パスの順です。
// テーブルは変更しません。ハンドシェイク中の緩和は呼び出し元が行います。
func Admit(in AdmissionInput) Decision {
	if in.Phase.IsClosed() {
		return Decision{Kind: Reject, Deny: event.DenyConnectionClosed}
	}
	if p, ok := in.Table.Lookup(in.Identity); ok {
		return Decision{Kind: AcceptExisting, Path: p}
	}
	if in.Blocked.Contains(in.Identity.Remote.Port()) {
		return Decision{Kind: Reject, Deny: event.DenyBlockedPort}
	}
	if !in.Table.CanInsert(in.Evict) {
		return Decision{Kind: Reject, Deny: event.DenyTableFull}
	}
	return Decision{Kind: AcceptNewPath}
}

// DropError は、データグラムを破棄した場合に OnDatagram が返すエラーです。
//
// errors.ErrDatagramDropped として判定できます。コネクションは継続します。
type DropError struct {
	Reason event.DropReason
	Deny   event.MigrationDenyReason
	Err    error
}

func (e *DropError) Error() string {
	if e.Reason == event.DropReasonRejectedConnectionMigration {
		return fmt.Sprintf("datagram dropped (%s: %s): %v", e.Reason, e.Deny, e.Err)
	}
	return fmt.Sprintf("datagram dropped (%s): %v", e.Reason, e.Err)
}

func (e *DropError) Unwrap() error {
	return e.Err
}

func (e *DropError) Is(err error) bool {
	return err == errors.ErrDatagramDropped || err == errors.ErrQPath
}

func denyError(deny event.MigrationDenyReason) error {
	switch deny {
	case event.DenyBlockedPort:
		return errors.ErrBlockedPort
	case event.DenyTableFull:
		return errors.ErrPathTableFull
	case event.DenyConnectionClosed:
		return errors.ErrConnectionClosed
	default:
		return errors.ErrDatagramDropped
	}
}
