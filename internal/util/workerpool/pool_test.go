package workerpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/tabsync/internal/errors"
)

func TestPool_SerialOrder(t *testing.T) {
	p := New(Config{Name: "serial", QueueSize: 64})
	defer p.Stop(context.Background())

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), Task{
			ID: fmt.Sprint(i),
			Fn: func(context.Context) error {
				defer wg.Done()
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
				return nil
			},
		}))
	}
	wg.Wait()

	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Eventually(t, func() bool { return p.Stats().Completed == 50 }, time.Second, 5*time.Millisecond)
}

func TestPool_FailuresAndPanicsAreCounted(t *testing.T) {
	p := New(Config{Name: "failing"})
	defer p.Stop(context.Background())

	require.NoError(t, p.Submit(context.Background(), Task{Fn: func(context.Context) error { return fmt.Errorf("bad") }}))
	require.NoError(t, p.Submit(context.Background(), Task{Fn: func(context.Context) error { panic("worse") }}))
	require.NoError(t, p.Submit(context.Background(), Task{Fn: func(context.Context) error { return nil }}))

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Failed == 2 && s.Completed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_RejectsAfterStop(t *testing.T) {
	p := New(Config{Name: "stopped"})
	require.NoError(t, p.Stop(context.Background()))

	// A stopped pool never accepts, even though its queue has room.
	for i := 0; i < 100; i++ {
		err := p.Submit(context.Background(), Task{Fn: func(context.Context) error { return nil }})
		assert.ErrorIs(t, err, errors.ErrClosed)
	}
	stats := p.Stats()
	assert.EqualValues(t, 100, stats.Rejected)
	assert.EqualValues(t, 0, stats.Accepted)
	assert.Equal(t, 0, stats.Queued)
}

func TestPool_StopCancelsRunningTask(t *testing.T) {
	p := New(Config{Name: "cancel"})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), Task{Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, p.Stop(ctx))
}
