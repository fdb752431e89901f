package log

import (
	"context"
	"fmt"
	"math/rand"
)

// Loggerは、qpath-go内で使用するロガーインターフェースです。
type Logger interface {
	Infof(context.Context, string, ...interface{})
	Warnf(context.Context, string, ...interface{})
	Errorf(context.Context, string, ...interface{})
	Debugf(context.Context, string, ...interface{})
}

var (
	trackConnectionIDKey = "trackConnectionIDKey"
	trackPathIDKey       = "trackPathIDKey"
)

// WithTrackConnectionIDは、コネクションIDをコンテキストにセットします。
//
// コネクションIDはコネクション生成時にセットします。
// ここで設定されたコネクションIDは常にログ出力します。
func WithTrackConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, &trackConnectionIDKey, id)
}

// TrackConnectionIDは、コンテキストにセットされたコネクションIDを取得します。
func TrackConnectionID(ctx context.Context) string {
	v, ok := ctx.Value(&trackConnectionIDKey).(string)
	if !ok {
		return ""
	}
	return v
}

// WithTrackPathIDは、新たにパスIDを採番しコンテキストにセットします。
//
// パスIDはパスがパステーブルに登録されたタイミングでセットします。
func WithTrackPathID(ctx context.Context) context.Context {
	return context.WithValue(ctx, &trackPathIDKey, genTrackID())
}

// TrackPathIDは、コンテキストにセットされたパスIDを取得します。
func TrackPathID(ctx context.Context) string {
	v, ok := ctx.Value(&trackPathIDKey).(string)
	if !ok {
		return ""
	}
	return v
}

func genTrackID() string {
	return fmt.Sprintf("%04d-%04d-%04d", rand.Int31n(10000), rand.Int31n(10000), rand.Int31n(10000))
}

func trackPrefix(ctx context.Context) string {
	var prefix string
	if cID := TrackConnectionID(ctx); cID != "" {
		prefix += "track-connection-id:" + cID + "\t"
	}
	if pID := TrackPathID(ctx); pID != "" {
		prefix += "track-path-id:" + pID + "\t"
	}
	return prefix
}
