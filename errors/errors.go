package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrQPathはqpathライブラリで定義されている基底エラーです。
	ErrQPath = errors.New("qpath")
	// ErrConnectionClosedは、クローズ済みのコネクションに対して操作した場合のエラーです。
	ErrConnectionClosed = fmt.Errorf("closed connection: %w", ErrQPath)
	// ErrDatagramDroppedは、受信したデータグラムを破棄した場合のエラーです。
	//
	// コネクションは継続します。
	ErrDatagramDropped = fmt.Errorf("datagram dropped: %w", ErrQPath)
	// ErrBlockedPortは、マイグレーション先のリモートポートが禁止ポートだった場合のエラーです。
	ErrBlockedPort = fmt.Errorf("blocked port: %w", ErrDatagramDropped)
	// ErrPathTableFullは、パステーブルが上限に達しており、退避できるパスもない場合のエラーです。
	ErrPathTableFull = fmt.Errorf("path table is full: %w", ErrDatagramDropped)
	// ErrInvalidAddressは、観測したアドレスが不正な場合のエラーです。
	ErrInvalidAddress = fmt.Errorf("invalid address: %w", ErrDatagramDropped)
	// ErrAmplificationLimitedは、未検証パスへの送信がアンチアンプリフィケーション制限を超える場合のエラーです。
	//
	// 送信は破棄されず、受信バイト数が増えるまで保留されます。
	ErrAmplificationLimited = fmt.Errorf("amplification limited: %w", ErrQPath)
	// ErrUnknownPathは、パステーブルに存在しないパスを指定した場合のエラーです。
	ErrUnknownPath = fmt.Errorf("unknown path: %w", ErrQPath)
	// ErrMalformedFrameは、フレームのデコードに失敗した場合のエラーです。
	ErrMalformedFrame = fmt.Errorf("malformed frame: %w", ErrQPath)
	// ErrPTOBackoffExceededは、PTOバックオフ乗数が上限を超えた場合のエラーです。
	//
	// このエラーはコネクションにとって致命的であり、リトライできません。
	ErrPTOBackoffExceeded = fmt.Errorf("%s: %w", ReasonPTOBackoffExceeded, ErrQPath)
)

// ReasonPTOBackoffExceededは、PTOバックオフ上限超過によるクローズ理由の文字列です。
const ReasonPTOBackoffExceeded = "PTO backoff multiplier exceeded maximum value"

// CloseKindは、コネクションクローズの種別です。
type CloseKind uint8

const (
	// CloseKindImmediateは、ローカルの判断による即時クローズです。
	CloseKindImmediate CloseKind = iota + 1
	// CloseKindIdleTimeoutは、アイドルタイムアウトによるクローズです。
	CloseKindIdleTimeout
	// CloseKindApplicationは、アプリケーションによるクローズです。
	CloseKindApplication
	// CloseKindPeerは、ピアからのクローズです。
	CloseKindPeer
)

func (k CloseKind) String() string {
	switch k {
	case CloseKindImmediate:
		return "ImmediateClose"
	case CloseKindIdleTimeout:
		return "IdleTimeout"
	case CloseKindApplication:
		return "Application"
	case CloseKindPeer:
		return "Peer"
	default:
		return fmt.Sprintf("UnknownCloseKind(%d)", k)
	}
}

// ConnectionErrorは、コネクションをクローズさせたエラーです。
type ConnectionError struct {
	Kind   CloseKind // クローズ種別
	Reason string    // クローズ理由
	Err    error     // 原因となったエラー
}

// ImmediateCloseは、即時クローズのConnectionErrorを返却します。
func ImmediateClose(reason string, err error) *ConnectionError {
	return &ConnectionError{Kind: CloseKindImmediate, Reason: reason, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection closed (%s): %s", e.Kind, e.Reason)
}

func (e *ConnectionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConnectionClosed
}

func (e *ConnectionError) Is(err error) bool {
	return err == ErrConnectionClosed || err == ErrQPath
}

func AsConnectionError(err error) (*ConnectionError, bool) {
	var res *ConnectionError
	ok := As(err, &res)
	return res, ok
}

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}
