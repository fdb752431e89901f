// Package config は、TOMLファイルからqpath-goの設定を読み込みます。
//
//	[migration]
//	max_tracked_paths = 4
//	amplification_factor = 3
//	validation_timeout = "3s"
//	max_ack_delay = "25ms"
//	evict_validated_paths = true
//	blocked_ports = [0, 53, 123]
//
//	[endpoint]
//	inbox_size = 64
//	event_buffer_size = 256
//
//	[log]
//	level = "info"
//	format = "console"
//
// 記述しなかった項目はデフォルト値のままです。
package config

import (
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/aptpod/qpath-go/endpoint"
	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/log"
	"github.com/aptpod/qpath-go/migration"
)

// File は、設定ファイルの内容です。
type File struct {
	Migration Migration `toml:"migration"`
	Endpoint  Endpoint  `toml:"endpoint"`
	Log       Log       `toml:"log"`
}

// Migration は、[migration] セクションです。
type Migration struct {
	MaxTrackedPaths     int           `toml:"max_tracked_paths"`
	AmplificationFactor uint64        `toml:"amplification_factor"`
	ValidationTimeout   time.Duration `toml:"validation_timeout"`
	MaxAckDelay         time.Duration `toml:"max_ack_delay"`
	EvictValidatedPaths bool          `toml:"evict_validated_paths"`
	BlockedPorts        []uint16      `toml:"blocked_ports"`
}

// Endpoint は、[endpoint] セクションです。
type Endpoint struct {
	InboxSize       int `toml:"inbox_size"`
	EventBufferSize int `toml:"event_buffer_size"`
}

// Log は、[log] セクションです。
type Log struct {
	// Level は、debug, info, warn, error のいずれかです。
	Level string `toml:"level"`
	// Format は、console, json, std のいずれかです。
	Format string `toml:"format"`
}

// Default は、デフォルトの設定を返します。
func Default() File {
	cfg := migration.DefaultConfig()
	return File{
		Migration: Migration{
			MaxTrackedPaths:     cfg.MaxTrackedPaths,
			AmplificationFactor: cfg.AmplificationFactor,
			ValidationTimeout:   cfg.ValidationTimeout,
			MaxAckDelay:         cfg.MaxAckDelay,
			EvictValidatedPaths: cfg.EvictValidatedPaths,
			BlockedPorts:        cfg.BlockedPorts.Ports(),
		},
		Endpoint: Endpoint{
			InboxSize:       64,
			EventBufferSize: 256,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load は、path のTOMLファイルを読み込みます。
func Load(path string) (File, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Errorf("load config: %w", err)
	}
	f, err := Parse(bs)
	if err != nil {
		return File{}, errors.Errorf("load config %s: %w", path, err)
	}
	return f, nil
}

// Parse は、TOMLをデフォルト値に上書きして読み込みます。未知のキーはエラーです。
func Parse(bs []byte) (File, error) {
	f := Default()
	meta, err := toml.Decode(string(bs), &f)
	if err != nil {
		return File{}, errors.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return File{}, errors.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := f.validate(); err != nil {
		return File{}, errors.Errorf("parse config: %w", err)
	}
	return f, nil
}

func (f File) validate() error {
	if f.Migration.MaxTrackedPaths < 2 {
		return errors.Errorf("migration.max_tracked_paths must be at least 2: %d", f.Migration.MaxTrackedPaths)
	}
	if f.Migration.AmplificationFactor == 0 {
		return errors.New("migration.amplification_factor must be positive")
	}
	if f.Migration.ValidationTimeout < 0 || f.Migration.MaxAckDelay < 0 {
		return errors.New("migration durations must not be negative")
	}
	if f.Endpoint.InboxSize <= 0 || f.Endpoint.EventBufferSize <= 0 {
		return errors.New("endpoint buffer sizes must be positive")
	}
	if _, err := zerolog.ParseLevel(f.Log.Level); err != nil || f.Log.Level == "" {
		return errors.Errorf("log.level %q is invalid", f.Log.Level)
	}
	if !slices.Contains([]string{"console", "json", "std"}, f.Log.Format) {
		return errors.Errorf("log.format %q is invalid", f.Log.Format)
	}
	return nil
}

// MigrationConfig は、migration.Config を返します。
//
// イベントの通知先やロガーなど、ファイルで表現できない項目は呼び出し元が設定します。
func (f File) MigrationConfig() migration.Config {
	return migration.Config{
		MaxTrackedPaths:     f.Migration.MaxTrackedPaths,
		AmplificationFactor: f.Migration.AmplificationFactor,
		ValidationTimeout:   f.Migration.ValidationTimeout,
		MaxAckDelay:         f.Migration.MaxAckDelay,
		EvictValidatedPaths: f.Migration.EvictValidatedPaths,
		BlockedPorts:        migration.NewBlockedPortSet(f.Migration.BlockedPorts...),
	}
}

// EndpointConfig は、endpoint.Config を返します。
func (f File) EndpointConfig() endpoint.Config {
	return endpoint.Config{
		Migration:       f.MigrationConfig(),
		InboxSize:       f.Endpoint.InboxSize,
		EventBufferSize: f.Endpoint.EventBufferSize,
	}
}

// NewLogger は、[log] セクションに従って w へ出力するロガーを返します。
func (l Log) NewLogger(w io.Writer) (log.Logger, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Errorf("log.level %q: %w", l.Level, err)
	}
	switch l.Format {
	case "std":
		return log.NewStd(), nil
	case "json":
		return log.NewZerolog(zerolog.New(w).Level(level).With().Timestamp().Logger()), nil
	case "console", "":
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
		return log.NewZerolog(zerolog.New(cw).Level(level).With().Timestamp().Logger()), nil
	default:
		return nil, errors.Errorf("log.format %q is invalid", l.Format)
	}
}
