package event

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aptpod/qpath-go/internal/ch"
)

// Sink は、イベントの通知先です。
//
// Emit はコネクションの処理コンテキストから同期的に呼び出されるため、ブロックしてはいけません。
type Sink interface {
	Emit(e Event)
}

// SinkFunc は、関数を Sink として使用するためのアダプターです。
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

// NewNop は、何もしない Sink を返します。
func NewNop() Sink {
	return nopSink{}
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi は、全ての sinks へ登録順に通知する Sink を返します。
func Multi(sinks ...Sink) Sink {
	res := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			res = append(res, s)
		}
	}
	return res
}

// Channel は、イベントをチャネルへ送信する Sink です。
//
// チャネルが一杯の場合、イベントは破棄され Dropped が加算されます。
type Channel struct {
	c       chan Event
	dropped atomic.Uint64
}

// NewChannel は、バッファサイズ size の Channel を返します。
func NewChannel(size int) *Channel {
	return &Channel{c: make(chan Event, size)}
}

func (c *Channel) Emit(e Event) {
	if !ch.TryWrite(e, c.c) {
		c.dropped.Add(1)
	}
}

// C は、イベントを受信するチャネルを返します。
func (c *Channel) C() <-chan Event {
	return c.c
}

// Dropped は、破棄したイベント数を返します。
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Recorder は、通知されたイベントを全て記録する Sink です。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder は、Recorder を返します。
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events は、記録したイベントのコピーを返します。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Reset は、記録したイベントを破棄します。
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Filter は、events のうち型 T のイベントを返します。
func Filter[T Event](events []Event) []T {
	var res []T
	for _, e := range events {
		if v, ok := e.(T); ok {
			res = append(res, v)
		}
	}
	return res
}
