package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/airport-pooling/internal/logging"
	"github.com/example/airport-pooling/internal/models"
)

func TestCriticalSectionSerialisesSameKey(t *testing.T) {
	m := NewLocalManager(logging.Discard())
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithCriticalSection(context.Background(), m, MatchingKey, time.Second, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.False(t, m.Held(MatchingKey))
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := NewLocalManager(logging.Discard())
	h, err := m.Acquire(context.Background(), MatchingKey, time.Minute)
	require.NoError(t, err)
	defer h.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h2, err := m.Acquire(ctx, CancelKey("r1"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewLocalManager(logging.Discard())
	h, err := m.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))

	h2, err := m.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	// a stale handle must not free the new holder's lease
	require.NoError(t, h.Release(context.Background()))
	assert.True(t, m.Held("k"))
	require.NoError(t, h2.Release(context.Background()))
	assert.False(t, m.Held("k"))
}

func TestTTLForceReleases(t *testing.T) {
	m := NewLocalManager(logging.Discard())
	_, err := m.Acquire(context.Background(), "k", 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	h, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.NoError(t, h.Release(ctx))
}

func TestAcquireHonoursContext(t *testing.T) {
	m := NewLocalManager(logging.Discard())
	h, err := m.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	defer h.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "k", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrLockTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCriticalSectionReleasesOnError(t *testing.T) {
	m := NewLocalManager(logging.Discard())
	boom := errors.New("boom")
	err := WithCriticalSection(context.Background(), m, "k", time.Minute, func(context.Context) error {
		assert.True(t, m.Held("k"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Held("k"))
}

func TestCriticalSectionReleasesOnPanic(t *testing.T) {
	m := NewLocalManager(logging.Discard())
	assert.Panics(t, func() {
		_ = WithCriticalSection(context.Background(), m, "k", time.Minute, func(context.Context) error {
			panic("kaboom")
		})
	})
	assert.False(t, m.Held("k"))
}
