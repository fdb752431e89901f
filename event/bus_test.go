package event_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aptpod/qpath-go/errors"
	. "github.com/aptpod/qpath-go/event"
	"github.com/aptpod/qpath-go/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_Subscribe(t *testing.T) {
	b := OpenBus(8, log.NewNop())
	defer b.Close()

	t.Run("receive events", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c, err := b.Subscribe(ctx, 4)
		require.NoError(t, err)

		b.Emit(PathValidated{})
		select {
		case e := <-c:
			assert.Equal(t, "PathValidated", e.Name())
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}

		cancel()
		select {
		case _, ok := <-c:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel should be closed after unsubscribe")
		}
	})
}

func TestBus_Close(t *testing.T) {
	b := OpenBus(8, log.NewNop())
	c, err := b.Subscribe(context.Background(), 1)
	require.NoError(t, err)

	b.Close()
	b.Close()
	_, ok := <-c
	assert.False(t, ok)

	b.Emit(PathValidated{})
	_, err = b.Subscribe(context.Background(), 1)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
}
