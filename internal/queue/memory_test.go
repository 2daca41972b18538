package queue

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
)

func newTestQueue(t *testing.T, attempts int) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue("test", RetryPolicy{MaxAttempts: attempts, Backoff: ExponentialBackoff(time.Millisecond)}, logging.Discard())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func health(t *testing.T, q *MemoryQueue) Health {
	h, err := q.Health(context.Background())
	require.NoError(t, err)
	return h
}

func TestMemoryQueueProcessesJobs(t *testing.T) {
	q := newTestQueue(t, 3)
	var mu sync.Mutex
	var seen []string
	q.SetProcessor(func(_ context.Context, job *Job) error {
		var p struct{ RideRequestID string }
		assert.NoError(t, job.Decode(&p))
		mu.Lock()
		seen = append(seen, p.RideRequestID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := q.Enqueue(context.Background(), "match-ride", "match-"+id, map[string]string{"RideRequestID": id})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return health(t, q).Completed == 3 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"r1", "r2", "r3"}, seen)
	mu.Unlock()
	assert.Zero(t, health(t, q).Waiting)
}

func TestMemoryQueueWaitsForProcessor(t *testing.T) {
	q := newTestQueue(t, 3)
	_, err := q.Enqueue(context.Background(), "match-ride", "", struct{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), health(t, q).Waiting)

	q.SetProcessor(func(context.Context, *Job) error { return nil })
	require.Eventually(t, func() bool { return health(t, q).Completed == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryQueueDeduplicatesLiveJobs(t *testing.T) {
	q := newTestQueue(t, 3)
	a, err := q.Enqueue(context.Background(), "match-ride", "match-r1", struct{}{})
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), "match-ride", "match-r1", struct{}{})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int64(1), health(t, q).Waiting)
}

func TestMemoryQueueRetriesWithBackoff(t *testing.T) {
	q := newTestQueue(t, 3)
	var calls atomic.Int32
	q.SetProcessor(func(context.Context, *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	_, err := q.Enqueue(context.Background(), "match-ride", "", struct{}{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return health(t, q).Completed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, health(t, q).Failed)
}

func TestMemoryQueueReportsFailures(t *testing.T) {
	q := newTestQueue(t, 2)
	failed := make(chan *Job, 1)
	q.OnFailed(func(job *Job, err error) { failed <- job })
	q.SetProcessor(func(context.Context, *Job) error { return errors.New("boom") })

	_, err := q.Enqueue(context.Background(), "match-ride", "match-r9", struct{}{})
	require.NoError(t, err)

	select {
	case job := <-failed:
		assert.Equal(t, "match-r9", job.ID)
		assert.Equal(t, 2, job.Attempts)
		assert.Equal(t, "boom", job.LastError)
	case <-time.After(time.Second):
		t.Fatal("failure hook not called")
	}
	assert.Equal(t, int64(1), health(t, q).Failed)

	// a failed job id can be enqueued again
	again, err := q.Enqueue(context.Background(), "match-ride", "match-r9", struct{}{})
	require.NoError(t, err)
	assert.Zero(t, again.Attempts)
}

func TestMemoryQueuePermanentErrorSkipsRetries(t *testing.T) {
	q := newTestQueue(t, 3)
	var calls atomic.Int32
	q.SetProcessor(func(context.Context, *Job) error {
		calls.Add(1)
		return Permanent(errors.New("not found"))
	})
	_, err := q.Enqueue(context.Background(), "match-ride", "", struct{}{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return health(t, q).Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue("test", DefaultRetryPolicy(), logging.Discard())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), "match-ride", "", struct{}{})
	assert.ErrorIs(t, err, ErrClosed)
}
