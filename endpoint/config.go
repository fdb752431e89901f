package endpoint

import (
	"github.com/benbjohnson/clock"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/log"
	"github.com/aptpod/qpath-go/migration"
)

const (
	defaultInboxSize       = 64
	defaultEventBufferSize = 256
	defaultAcceptBacklog   = 16
)

// Config は、エンドポイントの設定です。
type Config struct {
	// Migration は、各コネクションのパス管理の設定です。
	//
	// Migration.Sink に加えて、エンドポイントのイベントバスへもイベントが通知されます。
	Migration migration.Config

	// InboxSize は、コネクションごとの受信キューの長さです。
	// キューが一杯の場合、受信したデータグラムは破棄されます。
	InboxSize int
	// EventBufferSize は、イベントバスのバッファサイズです。
	EventBufferSize int
	// AcceptBacklog は、Accept されていないコネクションの上限です。
	AcceptBacklog int

	// Opener は、パケットの復号に使用します。nil の場合は wire.PlainOpener です。
	Opener migration.Opener
	// Clock は、タイマーに使用する時計です。nil の場合はシステムの時計です。
	Clock  clock.Clock
	Logger log.Logger
}

// DefaultConfig は、デフォルトの設定を返します。
func DefaultConfig() Config {
	return Config{
		Migration:       migration.DefaultConfig(),
		InboxSize:       defaultInboxSize,
		EventBufferSize: defaultEventBufferSize,
		AcceptBacklog:   defaultAcceptBacklog,
	}
}

func validateConfig(c *Config) error {
	if c.InboxSize < 0 || c.EventBufferSize < 0 || c.AcceptBacklog < 0 {
		return errors.Errorf("buffer sizes must not be negative: %w", errors.ErrQPath)
	}
	if c.InboxSize == 0 {
		c.InboxSize = defaultInboxSize
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = defaultEventBufferSize
	}
	if c.AcceptBacklog == 0 {
		c.AcceptBacklog = defaultAcceptBacklog
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.Migration.Logger == nil {
		c.Migration.Logger = c.Logger
	}
	return nil
}
