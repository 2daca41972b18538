package rebalancer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/geo"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
	"github.com/example/airport-pooling/internal/storage"
)

const defaultMaxRetries = 3

type Options struct {
	Airport models.Coord
	LockTTL time.Duration
	// MaxRetries bounds how often a pool write is re-applied after losing a
	// version race.
	MaxRetries int
}

type CancelResult struct {
	Cancelled        bool   `json:"cancelled"`
	AlreadyCancelled bool   `json:"already_cancelled"`
	PoolRebalanced   bool   `json:"pool_rebalanced"`
	PoolDisbanded    bool   `json:"pool_disbanded"`
	PoolID           string `json:"pool_id,omitempty"`
	PaymentRef       string `json:"-"`
}

// Rebalancer removes cancelled passengers from their pools.
type Rebalancer struct {
	store  storage.Store
	locker lock.Locker
	opts   Options
	log    *logrus.Logger
}

func New(store storage.Store, locker lock.Locker, opts Options, log *logrus.Logger) *Rebalancer {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Rebalancer{store: store, locker: locker, opts: opts, log: log}
}

// Cancel is idempotent: cancelling an already cancelled request succeeds
// with AlreadyCancelled set and changes nothing.
func (r *Rebalancer) Cancel(ctx context.Context, rideRequestID string) (CancelResult, error) {
	var res CancelResult
	err := lock.WithCriticalSection(ctx, r.locker, lock.CancelKey(rideRequestID), r.opts.LockTTL, func(ctx context.Context) error {
		return r.store.RunInTx(ctx, func(ctx context.Context, tx storage.Store) error {
			out, err := r.cancel(ctx, tx, rideRequestID)
			if err != nil {
				return err
			}
			res = out
			return nil
		})
	})
	if err != nil {
		observability.CancellationsTotal.WithLabelValues("error").Inc()
		return CancelResult{}, err
	}

	switch {
	case res.AlreadyCancelled:
		observability.CancellationsTotal.WithLabelValues("already_cancelled").Inc()
	case res.PoolDisbanded:
		observability.CancellationsTotal.WithLabelValues("disbanded").Inc()
	case res.PoolRebalanced:
		observability.CancellationsTotal.WithLabelValues("rebalanced").Inc()
	default:
		observability.CancellationsTotal.WithLabelValues("unpooled").Inc()
	}
	r.log.WithFields(logrus.Fields{
		"ride_request_id": rideRequestID,
		"pool_id":         res.PoolID,
		"rebalanced":      res.PoolRebalanced,
		"disbanded":       res.PoolDisbanded,
		"already":         res.AlreadyCancelled,
	}).Info("ride request cancelled")
	return res, nil
}

func (r *Rebalancer) cancel(ctx context.Context, tx storage.Store, id string) (CancelResult, error) {
	req, err := tx.GetRideRequest(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	if req.Status == models.RequestCancelled {
		return CancelResult{Cancelled: true, AlreadyCancelled: true}, nil
	}
	if req.Status != models.RequestPending && req.Status != models.RequestMatched {
		return CancelResult{}, fmt.Errorf("cannot cancel ride request %s in status %s: %w", id, req.Status, models.ErrInvalidState)
	}

	if err := tx.MarkRequestCancelled(ctx, id); err != nil {
		return CancelResult{}, err
	}
	if err := tx.DeletePoolPassenger(ctx, id); err != nil {
		return CancelResult{}, err
	}

	res := CancelResult{Cancelled: true}
	if req.PaymentRef != nil {
		res.PaymentRef = *req.PaymentRef
	}
	if req.PoolID == nil {
		return res, nil
	}
	res.PoolID = *req.PoolID

	for attempt := 0; attempt < r.opts.MaxRetries; attempt++ {
		pool, err := tx.GetPool(ctx, res.PoolID)
		if err != nil {
			return CancelResult{}, err
		}
		if pool.Status.Terminal() {
			return res, nil
		}
		done, err := r.shrink(ctx, tx, pool, req, &res)
		if err != nil {
			return CancelResult{}, err
		}
		if done {
			return res, nil
		}
		observability.PoolConflicts.WithLabelValues("cancel").Inc()
		r.log.WithFields(logrus.Fields{"pool_id": pool.ID, "version": pool.Version, "attempt": attempt + 1}).
			Debug("pool changed during cancellation; reloading")
	}
	return CancelResult{}, fmt.Errorf("pool %s kept changing during cancellation: %w", res.PoolID, models.ErrConflict)
}

// shrink removes req from pool with a version-checked write. It reports
// false when another writer moved the pool's version first.
func (r *Rebalancer) shrink(ctx context.Context, tx storage.Store, pool models.RidePool, req models.RideRequest, res *CancelResult) (bool, error) {
	pool.CurrentPassengers--
	pool.CurrentLuggage = max(0, pool.CurrentLuggage-req.LuggageCount)

	if pool.CurrentPassengers <= 0 {
		pool.Status = models.PoolCancelled
		pool.CurrentPassengers = 0
		pool.CurrentLuggage = 0
		pool.RouteCost = 0
		ok, err := tx.UpdatePoolIfVersion(ctx, &pool)
		if err != nil || !ok {
			return false, err
		}
		if err := tx.SetVehicleStatus(ctx, pool.VehicleID, models.VehicleAvailable); err != nil {
			return false, err
		}
		res.PoolDisbanded = true
		return true, nil
	}

	members, err := tx.PoolMembers(ctx, pool.ID)
	if err != nil {
		return false, err
	}
	stops := make([]geo.Stop, len(members))
	for i, m := range members {
		stops[i] = geo.Stop{ID: m.ID, Loc: m.Destination()}
	}
	route, err := geo.OptimizeRoute(r.opts.Airport, stops)
	if err != nil {
		return false, err
	}
	pool.RouteCost = route.Cost
	if pool.Status == models.PoolFull {
		pool.Status = models.PoolOpen
	}
	ok, err := tx.UpdatePoolIfVersion(ctx, &pool)
	if err != nil || !ok {
		return false, err
	}
	if err := renumber(ctx, tx, pool.ID, route); err != nil {
		return false, err
	}
	res.PoolRebalanced = true
	return true, nil
}

// renumber assigns pickup orders 1..n following route, keeping any row the
// route does not cover after the routed ones in their previous order.
func renumber(ctx context.Context, tx storage.Store, poolID string, route geo.Route) error {
	rows, err := tx.ListPoolPassengers(ctx, poolID)
	if err != nil {
		return err
	}
	pos := make(map[string]int, len(route.Order))
	for i, s := range route.Order {
		pos[s.ID] = i + 1
	}
	next := len(route.Order)
	for _, row := range rows {
		order, ok := pos[row.RideRequestID]
		if !ok {
			next++
			order = next
		}
		if order == row.PickupOrder {
			continue
		}
		if err := tx.SetPickupOrder(ctx, poolID, row.RideRequestID, order); err != nil {
			return err
		}
	}
	return nil
}
