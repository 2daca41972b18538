package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/observability"
)

var ErrClosed = errors.New("queue closed")

// MemoryQueue runs jobs one at a time in a background goroutine. Failed
// jobs are re-queued after the policy's backoff until they succeed or
// run out of attempts.
type MemoryQueue struct {
	name   string
	policy RetryPolicy
	log    *logrus.Logger

	mu        sync.Mutex
	proc      Processor
	onFailed  FailureHook
	ready     []*Job
	live      map[string]*Job
	timers    map[*time.Timer]struct{}
	delayed   int64
	active    int64
	completed int64
	failed    int64
	closed    bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMemoryQueue(name string, policy RetryPolicy, log *logrus.Logger) *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &MemoryQueue{
		name:   name,
		policy: policy,
		log:    log,
		live:   make(map[string]*Job),
		timers: make(map[*time.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *MemoryQueue) SetProcessor(p Processor) {
	q.mu.Lock()
	q.proc = p
	q.mu.Unlock()
	q.signal()
}

func (q *MemoryQueue) OnFailed(h FailureHook) {
	q.mu.Lock()
	q.onFailed = h
	q.mu.Unlock()
}

func (q *MemoryQueue) Enqueue(_ context.Context, name, jobID string, payload any) (*Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if existing, ok := q.live[jobID]; ok {
		return existing, nil
	}
	job, err := newJob(name, jobID, payload, q.policy.MaxAttempts)
	if err != nil {
		return nil, err
	}
	q.live[jobID] = job
	q.ready = append(q.ready, job)
	q.signal()
	return job, nil
}

func (q *MemoryQueue) Health(context.Context) (Health, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Health{
		Waiting:   int64(len(q.ready)) + q.delayed,
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
	}, nil
}

// Close stops accepting jobs, cancels pending retries and waits for the
// running job to return.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) loop() {
	defer close(q.done)
	for {
		job, proc := q.next()
		if job == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		q.run(job, proc)
	}
}

func (q *MemoryQueue) next() (*Job, Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.proc == nil || len(q.ready) == 0 {
		return nil, nil
	}
	job := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	q.active++
	return job, q.proc
}

func (q *MemoryQueue) run(job *Job, proc Processor) {
	job.Attempts++
	err := proc(q.ctx, job)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--

	if err == nil {
		job.LastError = ""
		q.completed++
		delete(q.live, job.ID)
		observability.JobsTotal.WithLabelValues(q.name, "completed").Inc()
		return
	}

	job.LastError = err.Error()
	if !q.closed && q.policy.ShouldRetry(job, err) {
		delay := q.policy.Delay(job)
		q.delayed++
		observability.JobsTotal.WithLabelValues(q.name, "retried").Inc()
		q.log.WithFields(logrus.Fields{
			"queue":   q.name,
			"job_id":  job.ID,
			"attempt": job.Attempts,
			"delay":   delay.String(),
		}).WithError(err).Warn("job failed; retrying")

		var t *time.Timer
		t = time.AfterFunc(delay, func() { q.requeue(job, t) })
		q.timers[t] = struct{}{}
		return
	}

	q.failed++
	delete(q.live, job.ID)
	observability.JobsTotal.WithLabelValues(q.name, "failed").Inc()
	q.log.WithFields(logrus.Fields{
		"queue":    q.name,
		"job_id":   job.ID,
		"attempts": job.Attempts,
	}).WithError(err).Error("job failed permanently")
	if q.onFailed != nil {
		hook := q.onFailed
		go hook(job, err)
	}
}

func (q *MemoryQueue) requeue(job *Job, t *time.Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	delete(q.timers, t)
	q.delayed--
	q.ready = append(q.ready, job)
	q.signal()
}
