// Package matcher assigns a pending ride request to the best admissible open
// pool, or opens a new pool on a free vehicle. Decisions are serialised by a
// single global lock and committed with a version-checked pool write.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/geo"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
	"github.com/example/airport-pooling/internal/pricing"
	"github.com/example/airport-pooling/internal/storage"
)

type Pricer interface {
	DemandMultiplier(ctx context.Context) (float64, error)
	CalculateFare(directKm float64, isPooled bool, detourKm, multiplier float64) pricing.Fare
}

type Options struct {
	Airport       models.Coord
	MaxPassengers int
	LockTTL       time.Duration
}

type Result struct {
	PoolID         string       `json:"pool_id"`
	VehicleID      string       `json:"vehicle_id"`
	Price          float64      `json:"price"`
	IsNewPool      bool         `json:"is_new_pool"`
	PassengerCount int          `json:"passenger_count"`
	RouteCost      float64      `json:"route_cost_km"`
	Fare           pricing.Fare `json:"fare"`
}

type Matcher struct {
	store  storage.Store
	locker lock.Locker
	pricer Pricer
	opts   Options
	log    *logrus.Logger
}

func New(store storage.Store, locker lock.Locker, pricer Pricer, opts Options, log *logrus.Logger) *Matcher {
	if opts.MaxPassengers <= 0 || opts.MaxPassengers > geo.MaxExactStops {
		opts.MaxPassengers = geo.MaxExactStops
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	return &Matcher{store: store, locker: locker, pricer: pricer, opts: opts, log: log}
}

// Match places one PENDING request. NotFound and InvalidState are final;
// NoCapacity and Conflict may succeed on a later attempt.
func (m *Matcher) Match(ctx context.Context, rideRequestID string) (Result, error) {
	start := time.Now()
	var res Result
	err := lock.WithCriticalSection(ctx, m.locker, lock.MatchingKey, m.opts.LockTTL, func(ctx context.Context) error {
		multiplier, err := m.pricer.DemandMultiplier(ctx)
		if err != nil {
			return err
		}
		return m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Store) error {
			r, err := m.match(ctx, tx, rideRequestID, multiplier)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	observability.MatchesTotal.WithLabelValues(outcome(res, err)).Inc()
	if err != nil {
		m.log.WithFields(logrus.Fields{"ride_request_id": rideRequestID, "error": err.Error()}).Warn("match failed")
		return Result{}, err
	}
	m.log.WithFields(logrus.Fields{
		"ride_request_id": rideRequestID,
		"pool_id":         res.PoolID,
		"vehicle_id":      res.VehicleID,
		"new_pool":        res.IsNewPool,
		"passengers":      res.PassengerCount,
		"price":           res.Price,
		"took_ms":         time.Since(start).Milliseconds(),
	}).Info("ride request matched")
	return res, nil
}

func (m *Matcher) match(ctx context.Context, tx storage.Store, id string, multiplier float64) (Result, error) {
	req, err := tx.GetRideRequest(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if req.Status != models.RequestPending {
		return Result{}, fmt.Errorf("ride request %s is %s: %w", id, req.Status, models.ErrInvalidState)
	}

	candidates, err := tx.ListOpenPools(ctx)
	if err != nil {
		return Result{}, err
	}
	var (
		best      *models.PoolCandidate
		bestRoute geo.Route
		bestScore = math.Inf(1)
	)
	for i := range candidates {
		route, score, reason := m.evaluate(candidates[i], req)
		if reason != "" {
			observability.PoolsRejected.WithLabelValues(reason).Inc()
			continue
		}
		if score < bestScore {
			best, bestRoute, bestScore = &candidates[i], route, score
		}
	}

	var (
		pool    models.RidePool
		vehicle models.Vehicle
		route   geo.Route
	)
	if best != nil {
		pool, vehicle, route = best.Pool, best.Vehicle, bestRoute
		pool.CurrentPassengers++
		pool.CurrentLuggage += req.LuggageCount
		pool.RouteCost = route.Cost
		pool.Status = models.PoolOpen
		if pool.CurrentPassengers >= m.capacity(vehicle) {
			pool.Status = models.PoolFull
		}
		ok, err := tx.UpdatePoolIfVersion(ctx, &pool)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			observability.PoolConflicts.WithLabelValues("match").Inc()
			return Result{}, fmt.Errorf("pool %s changed since version %d: %w", pool.ID, best.Pool.Version, models.ErrConflict)
		}
	} else {
		pool, vehicle, route, err = m.openPool(ctx, tx, req)
		if err != nil {
			return Result{}, err
		}
	}

	direct := geo.DirectDistance(m.opts.Airport, req.Destination())
	routed, _ := geo.RoutedDistance(m.opts.Airport, route.Order, req.ID)
	isNew := best == nil
	fare := m.pricer.CalculateFare(direct, !isNew, math.Max(0, routed-direct), multiplier)

	if err := tx.MarkRequestMatched(ctx, req.ID, pool.ID, fare.TotalPrice); err != nil {
		return Result{}, err
	}
	err = tx.AddPoolPassenger(ctx, &models.PoolPassenger{
		PoolID:        pool.ID,
		RideRequestID: req.ID,
		PickupOrder:   pool.CurrentPassengers,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		PoolID:         pool.ID,
		VehicleID:      vehicle.ID,
		Price:          fare.TotalPrice,
		IsNewPool:      isNew,
		PassengerCount: pool.CurrentPassengers,
		RouteCost:      pool.RouteCost,
		Fare:           fare,
	}, nil
}

// evaluate scores inserting req into c. A non-empty reason means the pool
// is not admissible.
func (m *Matcher) evaluate(c models.PoolCandidate, req models.RideRequest) (geo.Route, float64, string) {
	if m.capacity(c.Vehicle)-c.Pool.CurrentPassengers < 1 || len(c.Members)+1 > geo.MaxExactStops {
		return geo.Route{}, 0, "seats"
	}
	if c.Vehicle.LuggageCapacity-c.Pool.CurrentLuggage < req.LuggageCount {
		return geo.Route{}, 0, "luggage"
	}

	stops := make([]geo.Stop, 0, len(c.Members)+1)
	for _, mem := range c.Members {
		stops = append(stops, geo.Stop{ID: mem.ID, Loc: mem.Destination()})
	}
	current, err := geo.OptimizeRoute(m.opts.Airport, stops)
	if err != nil {
		return geo.Route{}, 0, "seats"
	}
	candidate, err := geo.OptimizeRoute(m.opts.Airport, append(stops, geo.Stop{ID: req.ID, Loc: req.Destination()}))
	if err != nil {
		return geo.Route{}, 0, "seats"
	}

	score := candidate.Cost
	if current.Cost > 0 {
		score = candidate.Cost / current.Cost
	}

	for _, mem := range c.Members {
		if !m.withinTolerance(candidate, mem) {
			return geo.Route{}, 0, "detour"
		}
	}
	if !m.withinTolerance(candidate, req) {
		return geo.Route{}, 0, "detour"
	}
	return candidate, score, ""
}

func (m *Matcher) withinTolerance(route geo.Route, r models.RideRequest) bool {
	routed, ok := geo.RoutedDistance(m.opts.Airport, route.Order, r.ID)
	if !ok {
		return false
	}
	direct := geo.DirectDistance(m.opts.Airport, r.Destination())
	return geo.DetourRatio(routed, direct) <= r.MaxDetourRatio
}

func (m *Matcher) openPool(ctx context.Context, tx storage.Store, req models.RideRequest) (models.RidePool, models.Vehicle, geo.Route, error) {
	v, err := tx.FirstAvailableVehicle(ctx, req.LuggageCount)
	if err != nil {
		return models.RidePool{}, models.Vehicle{}, geo.Route{}, err
	}
	if v == nil {
		return models.RidePool{}, models.Vehicle{}, geo.Route{}, fmt.Errorf("no vehicle for ride request %s: %w", req.ID, models.ErrNoCapacity)
	}
	claimed, err := tx.ClaimVehicle(ctx, v.ID)
	if err != nil {
		return models.RidePool{}, models.Vehicle{}, geo.Route{}, err
	}
	if !claimed {
		observability.PoolConflicts.WithLabelValues("claim_vehicle").Inc()
		return models.RidePool{}, models.Vehicle{}, geo.Route{}, fmt.Errorf("vehicle %s claimed concurrently: %w", v.ID, models.ErrConflict)
	}
	v.Status = models.VehicleAssigned

	route, err := geo.OptimizeRoute(m.opts.Airport, []geo.Stop{{ID: req.ID, Loc: req.Destination()}})
	if err != nil {
		return models.RidePool{}, models.Vehicle{}, geo.Route{}, err
	}
	pool := models.RidePool{
		ID:                uuid.NewString(),
		VehicleID:         v.ID,
		Status:            models.PoolOpen,
		CurrentPassengers: 1,
		CurrentLuggage:    req.LuggageCount,
		RouteCost:         route.Cost,
	}
	if m.capacity(*v) <= 1 {
		pool.Status = models.PoolFull
	}
	if err := tx.CreatePool(ctx, &pool); err != nil {
		return models.RidePool{}, models.Vehicle{}, geo.Route{}, err
	}
	return pool, *v, route, nil
}

// capacity is the seat limit a pool on v may reach.
func (m *Matcher) capacity(v models.Vehicle) int {
	return min(v.Seats, m.opts.MaxPassengers)
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.IsNewPool:
		return "new_pool"
	case err == nil:
		return "joined"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, models.ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "error"
	}
}
