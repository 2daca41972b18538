package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/observability"
)

const publishTimeout = 2 * time.Second

var errNoProcessor = errors.New("no processor registered")

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes jobs to a topic keyed by job id, so retries of
// one ride land on the same partition.
type KafkaProducer struct {
	writer      MessageWriter
	maxAttempts int

	published atomic.Int64
	failed    atomic.Int64
}

func NewKafkaProducer(brokers []string, topic string, policy RetryPolicy) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return newKafkaProducer(w, policy)
}

func newKafkaProducer(w MessageWriter, policy RetryPolicy) *KafkaProducer {
	return &KafkaProducer{writer: w, maxAttempts: policy.MaxAttempts}
}

func (k *KafkaProducer) Enqueue(ctx context.Context, name, jobID string, payload any) (*Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job, err := newJob(name, jobID, payload, k.maxAttempts)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.ID), Value: b}); err != nil {
		k.failed.Add(1)
		return nil, err
	}
	k.published.Add(1)
	return job, nil
}

// Health reports what this process has published. Consumption counters
// live in the worker.
func (k *KafkaProducer) Health(context.Context) (Health, error) {
	return Health{Published: k.published.Load(), Failed: k.failed.Load()}, nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads jobs from a consumer group and commits each offset
// only after the job has completed or exhausted its attempts.
type KafkaConsumer struct {
	reader MessageReader
	name   string
	policy RetryPolicy
	log    *logrus.Logger

	mu       sync.Mutex
	proc     Processor
	onFailed FailureHook

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewKafkaConsumer(brokers []string, topic, group string, policy RetryPolicy, log *logrus.Logger) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return newKafkaConsumer(r, topic, policy, log)
}

func newKafkaConsumer(r MessageReader, name string, policy RetryPolicy, log *logrus.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: r, name: name, policy: policy, log: log}
}

func (c *KafkaConsumer) SetProcessor(p Processor) {
	c.mu.Lock()
	c.proc = p
	c.mu.Unlock()
}

func (c *KafkaConsumer) OnFailed(h FailureHook) {
	c.mu.Lock()
	c.onFailed = h
	c.mu.Unlock()
}

func (c *KafkaConsumer) Health(context.Context) (Health, error) {
	return Health{
		Active:    c.active.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
	}, nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// Run consumes until ctx is cancelled. Read errors back off exponentially
// up to 30s.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).WithField("backoff", backoff.String()).Warn("kafka read error")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		c.handle(ctx, m)
		if ctx.Err() != nil {
			// Leave the offset uncommitted so another member redelivers it.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.WithError(err).WithField("offset", m.Offset).Error("commit failed")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, m kafka.Message) {
	var job Job
	if err := json.Unmarshal(m.Value, &job); err != nil {
		c.failed.Add(1)
		observability.JobsTotal.WithLabelValues(c.name, "invalid").Inc()
		c.log.WithError(err).WithField("key", string(m.Key)).Warn("invalid job message")
		return
	}

	c.mu.Lock()
	proc, hook := c.proc, c.onFailed
	c.mu.Unlock()
	if proc == nil {
		proc = func(context.Context, *Job) error { return Permanent(errNoProcessor) }
	}

	c.active.Add(1)
	err := c.policy.Run(ctx, &job, proc)
	c.active.Add(-1)

	if err == nil {
		c.completed.Add(1)
		observability.JobsTotal.WithLabelValues(c.name, "completed").Inc()
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.failed.Add(1)
	observability.JobsTotal.WithLabelValues(c.name, "failed").Inc()
	c.log.WithFields(logrus.Fields{
		"queue":    c.name,
		"job_id":   job.ID,
		"attempts": job.Attempts,
	}).WithError(err).Error("job failed permanently")
	if hook != nil {
		hook(&job, err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
