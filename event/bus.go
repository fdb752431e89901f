package event

import (
	"context"
	"slices"
	"sync"

	"github.com/aptpod/qpath-go/errors"
	"github.com/aptpod/qpath-go/internal/ch"
	"github.com/aptpod/qpath-go/log"
)

// Bus は、複数のコネクションのイベントを購読者へ配送する Sink です。
//
// Emit はブロックしません。配送は Bus のゴルーチンで行われ、受信が追いつかない購読者へのイベントは破棄されます。
type Bus struct {
	logger      log.Logger
	eventCh     chan Event
	subscribers []chan Event
	mu          sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenBus は、Bus を起動します。bufSize は Emit のバッファサイズです。
func OpenBus(bufSize int, logger log.Logger) *Bus {
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:  logger,
		eventCh: make(chan Event, bufSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.start()
	return b
}

// Close は、Bus を停止し全ての購読チャネルを閉じます。
func (b *Bus) Close() {
	select {
	case <-b.ctx.Done():
		return
	default:
	}
	b.cancel()
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.subscribers {
		close(c)
	}
	b.subscribers = nil
}

func (b *Bus) Emit(e Event) {
	if b.ctx.Err() != nil {
		return
	}
	if !ch.TryWrite(e, b.eventCh) {
		b.logger.Warnf(b.ctx, "Failed to enqueue event %s", e.Name())
	}
}

// Subscribe は、イベントを受信するチャネルを返します。ctx が終了すると購読を解除しチャネルを閉じます。
func (b *Bus) Subscribe(ctx context.Context, bufSize int) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		return nil, errors.Errorf("bus: %w", errors.ErrConnectionClosed)
	}
	c := make(chan Event, bufSize)
	b.subscribers = append(b.subscribers, c)
	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(c)
		case <-b.ctx.Done():
		}
	}()
	return c, nil
}

func (b *Bus) unsubscribe(c chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := len(b.subscribers)
	b.subscribers = slices.DeleteFunc(b.subscribers, func(v chan Event) bool {
		return v == c
	})
	if len(b.subscribers) != before {
		close(c)
	}
}

func (b *Bus) start() {
	defer close(b.done)
	for {
		e, ok := ch.ReadOrDoneOne(b.ctx, b.eventCh)
		if !ok {
			return
		}
		b.mu.Lock()
		for _, c := range b.subscribers {
			if !ch.TryWrite(e, c) {
				b.logger.Warnf(b.ctx, "Failed to deliver event %s", e.Name())
			}
		}
		b.mu.Unlock()
	}
}
