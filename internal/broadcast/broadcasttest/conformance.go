// Package broadcasttest holds behaviour checks shared by every broadcast
// transport implementation.
package broadcasttest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/tabsync/internal/broadcast"
)

// Wait is how long Receive waits before failing.
var Wait = 5 * time.Second

// Receive reads one message from sub or fails the test.
func Receive(t *testing.T, sub *broadcast.Subscription) []byte {
	t.Helper()
	select {
	case data, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return data
	case <-time.After(Wait):
		require.FailNow(t, "timed out waiting for broadcast")
		return nil
	}
}

// AssertSilent checks that nothing arrives on sub within d.
func AssertSilent(t *testing.T, sub *broadcast.Subscription, d time.Duration) {
	t.Helper()
	select {
	case data := <-sub.C():
		assert.Failf(t, "unexpected broadcast", "got %q", data)
	case <-time.After(d):
	}
}

// Run exercises the delivery contract against transports built by newTransport.
// Settle is the time allowed for subscriptions to become effective on
// networked media.
func Run(t *testing.T, newTransport func(t *testing.T) broadcast.Transport, settle time.Duration) {
	ctx := context.Background()

	t.Run("delivers to others but not sender", func(t *testing.T) {
		tr := newTransport(t)
		a, err := tr.Open(ctx, "topic-a")
		require.NoError(t, err)
		b, err := tr.Open(ctx, "topic-a")
		require.NoError(t, err)
		other, err := tr.Open(ctx, "topic-b")
		require.NoError(t, err)

		subA, err := a.Subscribe()
		require.NoError(t, err)
		subB, err := b.Subscribe()
		require.NoError(t, err)
		subOther, err := other.Subscribe()
		require.NoError(t, err)
		time.Sleep(settle)

		require.NoError(t, a.Post(ctx, []byte("hello")))

		assert.Equal(t, []byte("hello"), Receive(t, subB))
		AssertSilent(t, subA, settle+50*time.Millisecond)
		AssertSilent(t, subOther, 10*time.Millisecond)
	})

	t.Run("preserves per-sender order", func(t *testing.T) {
		tr := newTransport(t)
		a, err := tr.Open(ctx, "ordered")
		require.NoError(t, err)
		b, err := tr.Open(ctx, "ordered")
		require.NoError(t, err)
		sub, err := b.Subscribe()
		require.NoError(t, err)
		time.Sleep(settle)

		for i := 0; i < 50; i++ {
			require.NoError(t, a.Post(ctx, []byte(fmt.Sprintf("m%02d", i))))
		}
		for i := 0; i < 50; i++ {
			assert.Equal(t, fmt.Sprintf("m%02d", i), string(Receive(t, sub)))
		}
	})

	t.Run("closed channel rejects posts", func(t *testing.T) {
		tr := newTransport(t)
		a, err := tr.Open(ctx, "closing")
		require.NoError(t, err)
		sub, err := a.Subscribe()
		require.NoError(t, err)

		require.NoError(t, a.Close())
		assert.Error(t, a.Post(ctx, []byte("x")))

		_, ok := <-sub.C()
		assert.False(t, ok)
	})
}
