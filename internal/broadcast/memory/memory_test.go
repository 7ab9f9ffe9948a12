package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/broadcast/broadcasttest"
)

func TestTransport_Conformance(t *testing.T) {
	broadcasttest.Run(t, func(t *testing.T) broadcast.Transport {
		tr := New(zap.NewNop(), nil)
		t.Cleanup(func() { _ = tr.Close() })
		return tr
	}, 0)
}

func TestTransport_SeparateTransportsAreIsolated(t *testing.T) {
	ctx := context.Background()
	one := New(zap.NewNop(), nil)
	two := New(zap.NewNop(), nil)
	defer one.Close()
	defer two.Close()

	a, err := one.Open(ctx, "shared")
	require.NoError(t, err)
	b, err := two.Open(ctx, "shared")
	require.NoError(t, err)
	sub, err := b.Subscribe()
	require.NoError(t, err)

	require.NoError(t, a.Post(ctx, []byte("x")))
	broadcasttest.AssertSilent(t, sub, 50*time.Millisecond)
}

func TestTransport_CloseClosesChannels(t *testing.T) {
	tr := New(zap.NewNop(), nil)
	ch, err := tr.Open(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.Error(t, ch.Post(context.Background(), []byte("late")))

	_, err = tr.Open(context.Background(), "y")
	assert.Error(t, err)
}
