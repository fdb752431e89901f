package migration

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/intercept"
	"github.com/aptpod/qpath-go/log"
	"github.com/aptpod/qpath-go/netpath"
	"github.com/aptpod/qpath-go/recovery"
)

const (
	defaultValidationTimeout = 3 * time.Second
	defaultMaxAckDelay       = 25 * time.Millisecond
)

// Config は、コネクションのパス管理の設定です。
type Config struct {
	// MaxTrackedPaths は、同時に追跡するパス数の上限です。0の場合は4です。
	MaxTrackedPaths int
	// AmplificationFactor は、未検証パスで受信バイト数に対して送信できるバイト数の倍率です。0の場合は3です。
	AmplificationFactor uint64
	// ValidationTimeout は、パス検証のタイムアウトの下限です。
	//
	// 実際のタイムアウトは max(3*PTO, ValidationTimeout) です。0以下の場合は3秒です。
	ValidationTimeout time.Duration
	// MaxAckDelay は、ピアがACKを遅延させる最大時間です。0以下の場合は25ミリ秒です。
	MaxAckDelay time.Duration
	// EvictValidatedPaths は、ピアのマイグレーションでパステーブルが一杯の場合に、
	// 非アクティブな検証済みパスを退避するかどうかです。
	EvictValidatedPaths bool
	// BlockedPorts は、マイグレーション先として拒否するリモートポートです。nil の場合は DefaultBlockedPorts です。
	BlockedPorts *BlockedPortSet

	// Interceptors は、受信処理のフックです。登録順に適用されます。
	Interceptors []intercept.Interceptor
	// Sink は、イベントの通知先です。
	Sink event.Sink
	// RTT は、PTO計算に使用するRTT情報です。nil の場合はACKから計測します。
	RTT recovery.RTTProvider
	// Rand は、パスチャレンジのデータ生成に使用します。nil の場合は crypto/rand です。
	Rand   io.Reader
	Logger log.Logger
}

// DefaultConfig は、デフォルトの設定を返します。
func DefaultConfig() Config {
	return Config{
		MaxTrackedPaths:     netpath.DefaultMaxTrackedPaths,
		AmplificationFactor: netpath.DefaultAmplificationFactor,
		ValidationTimeout:   defaultValidationTimeout,
		MaxAckDelay:         defaultMaxAckDelay,
		EvictValidatedPaths: true,
		BlockedPorts:        DefaultBlockedPorts(),
	}
}

func validateConfig(c *Config) error {
	if c.MaxTrackedPaths < 0 {
		return errors.Errorf("max tracked paths must not be negative: %d", c.MaxTrackedPaths)
	}
	if c.MaxTrackedPaths == 0 {
		c.MaxTrackedPaths = netpath.DefaultMaxTrackedPaths
	}
	if c.MaxTrackedPaths < 2 {
		return errors.Errorf("max tracked paths must be at least 2: %d", c.MaxTrackedPaths)
	}
	if c.AmplificationFactor == 0 {
		c.AmplificationFactor = netpath.DefaultAmplificationFactor
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = defaultValidationTimeout
	}
	if c.MaxAckDelay <= 0 {
		c.MaxAckDelay = defaultMaxAckDelay
	}
	if c.BlockedPorts == nil {
		c.BlockedPorts = DefaultBlockedPorts()
	}
	if c.Sink == nil {
		c.Sink = event.NewNop()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	return nil
}
