// Package queue delivers ride matching jobs at least once, retrying failed
// jobs under an explicit RetryPolicy. MemoryQueue runs jobs in process;
// the Kafka producer and consumer carry them between processes.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Processor handles one job attempt. Returning an error wrapped with
// Permanent stops further attempts.
type Processor func(ctx context.Context, job *Job) error

// FailureHook observes jobs that will not be attempted again.
type FailureHook func(job *Job, err error)

type Health struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Published int64 `json:"published,omitempty"`
}

type Enqueuer interface {
	// Enqueue schedules payload under name. An empty jobID gets a random
	// id; a jobID already waiting or running is not enqueued twice.
	Enqueue(ctx context.Context, name, jobID string, payload any) (*Job, error)
}

type HealthReporter interface {
	Health(ctx context.Context) (Health, error)
}

type Queue interface {
	Enqueuer
	HealthReporter
	SetProcessor(p Processor)
	OnFailed(h FailureHook)
	Close() error
}

func newJob(name, id string, payload any, maxAttempts int) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          id,
		Name:        name,
		Data:        data,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}
