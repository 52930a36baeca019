package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_LimitsConcurrency(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 2, QueueDepth: 8})
	defer g.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				defer running.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	// 等任务铺开再放行
	require.Eventually(t, func() bool {
		return running.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(6), g.Stats().Completed)
}

func TestGate_PropagatesTaskError(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 1})
	defer g.Close()

	sentinel := errors.New("login exploded")
	err := g.Do(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int64(1), g.Stats().Failed)
}

func TestGate_CtxCancelWhileQueued(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 1, QueueDepth: 4})
	defer g.Close()

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, func(ctx context.Context) error {
		t.Error("queued task must not run after its submitter gave up")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker)
}

func TestGate_RecoversPanic(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 1})
	defer g.Close()

	err := g.Do(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// worker 活着,后续任务照常执行
	assert.NoError(t, g.Do(context.Background(), func(ctx context.Context) error {
		return nil
	}))
}

func TestGate_ClosedRejects(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 1})
	g.Close()

	err := g.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	// 重复关闭幂等
	g.Close()
}

func TestGateConfig_Normalized(t *testing.T) {
	got := GateConfig{}.normalized()
	assert.Equal(t, 1, got.MaxConcurrent)
	assert.Equal(t, 4, got.QueueDepth)
	assert.Equal(t, time.Minute, got.IdleTimeout)

	kept := GateConfig{MaxConcurrent: 3, QueueDepth: 9, IdleTimeout: time.Second}
	assert.Equal(t, kept, kept.normalized())
}
