// Package worker turns queued match-ride jobs into pool assignments.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/dispatch"
	"github.com/example/airport-pooling/internal/matcher"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/queue"
)

const JobName = "match-ride"

// JobID keeps at most one live match job per ride request.
func JobID(rideRequestID string) string { return "match-" + rideRequestID }

type Payload struct {
	RideRequestID string `json:"rideRequestId"`
}

type Matcher interface {
	Match(ctx context.Context, rideRequestID string) (matcher.Result, error)
}

type PaymentHolder interface {
	Hold(ctx context.Context, rideRequestID string, amount float64) (string, error)
}

type PaymentRefStore interface {
	SetPaymentRef(ctx context.Context, id, ref string) error
}

// Registrar is the consumer side of a queue.
type Registrar interface {
	SetProcessor(p queue.Processor)
	OnFailed(h queue.FailureHook)
}

type Worker struct {
	matcher  Matcher
	payments PaymentHolder
	refs     PaymentRefStore
	notifier dispatch.Notifier
	log      *logrus.Logger
}

func New(m Matcher, payments PaymentHolder, refs PaymentRefStore, notifier dispatch.Notifier, log *logrus.Logger) *Worker {
	return &Worker{matcher: m, payments: payments, refs: refs, notifier: notifier, log: log}
}

// Register installs the worker as q's processor and failure hook.
func (w *Worker) Register(q Registrar) {
	q.SetProcessor(w.Process)
	q.OnFailed(w.Failed)
}

// Process runs one attempt. Errors that cannot succeed later are marked
// permanent so the queue stops retrying.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	if job.Name != JobName {
		return queue.Permanent(fmt.Errorf("%w: unknown job %q", models.ErrValidation, job.Name))
	}
	var p Payload
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(fmt.Errorf("%w: decode payload: %w", models.ErrValidation, err))
	}
	if p.RideRequestID == "" {
		return queue.Permanent(fmt.Errorf("%w: rideRequestId is required", models.ErrValidation))
	}

	log := w.log.WithFields(logrus.Fields{"job_id": job.ID, "ride_request_id": p.RideRequestID, "attempt": job.Attempts})
	res, err := w.matcher.Match(ctx, p.RideRequestID)
	if err != nil {
		if !models.Retryable(err) {
			return queue.Permanent(err)
		}
		return err
	}

	// The match is committed at this point; a failed hold must not turn
	// into a retry that would hit InvalidState.
	if ref, err := w.payments.Hold(ctx, p.RideRequestID, res.Price); err != nil {
		log.WithError(err).Warn("payment hold failed")
	} else if ref != "" {
		if err := w.refs.SetPaymentRef(ctx, p.RideRequestID, ref); err != nil {
			log.WithError(err).Warn("store payment ref")
		}
	}

	w.notify(ctx, models.RideUpdate{
		RideRequestID:  p.RideRequestID,
		Status:         models.RequestMatched,
		Event:          models.EventMatched,
		PoolID:         res.PoolID,
		VehicleID:      res.VehicleID,
		Price:          res.Price,
		PassengerCount: res.PassengerCount,
		At:             time.Now().UTC(),
	})
	log.WithField("pool_id", res.PoolID).Debug("match job done")
	return nil
}

// Failed tells the passenger that matching gave up. A request that moved
// out of PENDING in the meantime was handled elsewhere and is not reported.
func (w *Worker) Failed(job *queue.Job, err error) {
	if errors.Is(err, models.ErrInvalidState) {
		return
	}
	var p Payload
	if job.Decode(&p) != nil || p.RideRequestID == "" {
		return
	}
	w.notify(context.Background(), models.RideUpdate{
		RideRequestID: p.RideRequestID,
		Status:        models.RequestPending,
		Event:         models.EventMatchFailed,
		Reason:        err.Error(),
		At:            time.Now().UTC(),
	})
}

func (w *Worker) notify(ctx context.Context, u models.RideUpdate) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, u); err != nil {
		w.log.WithError(err).WithField("ride_request_id", u.RideRequestID).Warn("notify failed")
	}
}
