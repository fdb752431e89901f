package log

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type zerologLogger struct {
	l zerolog.Logger
}

func (l *zerologLogger) Infof(ctx context.Context, format string, args ...any) {
	l.event(ctx, l.l.Info()).Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLogger) Warnf(ctx context.Context, format string, args ...any) {
	l.event(ctx, l.l.Warn()).Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLogger) Errorf(ctx context.Context, format string, args ...any) {
	l.event(ctx, l.l.Error()).Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLogger) Debugf(ctx context.Context, format string, args ...any) {
	l.event(ctx, l.l.Debug()).Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLogger) event(ctx context.Context, e *zerolog.Event) *zerolog.Event {
	if cID := TrackConnectionID(ctx); cID != "" {
		e = e.Str("track_connection_id", cID)
	}
	if pID := TrackPathID(ctx); pID != "" {
		e = e.Str("track_path_id", pID)
	}
	return e
}

// NewZerologは、 `github.com/rs/zerolog` のロガーを返却します。
//
// トラッキングIDは構造化フィールドとして出力します。
func NewZerolog(l zerolog.Logger) Logger {
	return &zerologLogger{l: l}
}
