package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
)

// LocalManager serialises callers inside one process. Waiters park on the
// current lease's done channel rather than polling.
type LocalManager struct {
	log *logrus.Logger

	mu   sync.Mutex
	held map[string]*localLease
}

type localLease struct {
	key      string
	acquired time.Time
	timer    *time.Timer
	done     chan struct{}
}

func NewLocalManager(log *logrus.Logger) *LocalManager {
	return &LocalManager{log: log, held: make(map[string]*localLease)}
}

func (m *LocalManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	start := time.Now()
	for {
		m.mu.Lock()
		cur, busy := m.held[key]
		if !busy {
			l := &localLease{key: key, acquired: time.Now(), done: make(chan struct{})}
			l.timer = time.AfterFunc(ttl, func() { m.expire(l) })
			m.held[key] = l
			m.mu.Unlock()
			observability.LockWait.WithLabelValues("local").Observe(time.Since(start).Seconds())
			return &localHandle{m: m, lease: l}, nil
		}
		wait := cur.done
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %w", models.ErrLockTimeout, key, ctx.Err())
		}
	}
}

// Held reports whether key currently has a live lease.
func (m *LocalManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}

func (m *LocalManager) expire(l *localLease) {
	if !m.drop(l) {
		return
	}
	observability.LockExpirations.WithLabelValues("local").Inc()
	m.log.WithFields(logrus.Fields{
		"key":     l.key,
		"held_ms": time.Since(l.acquired).Milliseconds(),
	}).Warn("lock ttl expired; force-released")
}

// drop frees l if it is still the current lease for its key.
func (m *LocalManager) drop(l *localLease) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[l.key] != l {
		return false
	}
	delete(m.held, l.key)
	l.timer.Stop()
	close(l.done)
	return true
}

type localHandle struct {
	m     *LocalManager
	lease *localLease
}

func (h *localHandle) Key() string { return h.lease.key }

func (h *localHandle) Release(context.Context) error {
	h.m.drop(h.lease)
	return nil
}
