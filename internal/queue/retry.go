package queue

import (
	"context"
	"errors"
	"time"
)

type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff waits base * 2^attempt after the attempt-th failure.
func ExponentialBackoff(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		return base << uint(attempt)
	}
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffFunc
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: ExponentialBackoff(time.Second)}
}

// ShouldRetry reports whether job may run again after failing with err.
func (p RetryPolicy) ShouldRetry(job *Job, err error) bool {
	return err != nil && !IsPermanent(err) && job.Attempts < p.maxAttempts(job)
}

func (p RetryPolicy) Delay(job *Job) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(job.Attempts)
}

func (p RetryPolicy) maxAttempts(job *Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 1
}

// Run attempts job in the calling goroutine, sleeping between attempts,
// and returns the last error once the policy gives up.
func (p RetryPolicy) Run(ctx context.Context, job *Job, fn Processor) error {
	for {
		job.Attempts++
		err := fn(ctx, job)
		if err == nil {
			job.LastError = ""
			return nil
		}
		job.LastError = err.Error()
		if !p.ShouldRetry(job, err) {
			return err
		}
		t := time.NewTimer(p.Delay(job))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
