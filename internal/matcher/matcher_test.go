package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/airport-pooling/internal/config"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/logging"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/pricing"
	"github.com/example/airport-pooling/internal/storage"
)

var (
	airport = models.Coord{Lat: 12.9941, Lng: 80.1709}
	tNagar  = models.Coord{Lat: 13.0827, Lng: 80.2707}
	// eastStop is 10 km from the airport; northEastStop is 8 km away and
	// 5.5 km from eastStop, so dropping northEastStop first stretches the
	// eastStop trip to 1.35x its direct length.
	eastStop      = models.Coord{Lat: 12.9941, Lng: 80.2632}
	northEastStop = models.Coord{Lat: 13.0336, Lng: 80.2326}
)

type fixture struct {
	store   *storage.MemoryStore
	matcher *Matcher
	base    time.Time
	n       int
}

func newFixture(t *testing.T, maxPassengers int) *fixture {
	t.Helper()
	cfg := config.Default()
	store := storage.NewMemoryStore()
	calc := pricing.NewCalculator(cfg.Pricing, airport, store)
	log := logging.Discard()
	m := New(store, lock.NewLocalManager(log), calc, Options{
		Airport:       airport,
		MaxPassengers: maxPassengers,
		LockTTL:       time.Second,
	}, log)
	return &fixture{store: store, matcher: m, base: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (f *fixture) vehicle(t *testing.T, id string, seats, luggage int) {
	t.Helper()
	f.n++
	require.NoError(t, f.store.CreateVehicle(context.Background(), &models.Vehicle{
		ID: id, PlateNumber: id, Seats: seats, LuggageCapacity: luggage,
		CreatedAt: f.base.Add(time.Duration(f.n) * time.Minute),
	}))
}

func (f *fixture) request(t *testing.T, id string, dest models.Coord, luggage int, maxDetour float64) {
	t.Helper()
	require.NoError(t, f.store.CreateRideRequest(context.Background(), &models.RideRequest{
		ID: id, PassengerID: "p-" + id, DestLat: dest.Lat, DestLng: dest.Lng,
		LuggageCount: luggage, MaxDetourRatio: maxDetour,
	}))
}

func TestMatchCreatesNewPool(t *testing.T) {
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 4, 4)
	f.request(t, "r1", models.Coord{Lat: 13.129, Lng: 80.1709}, 1, 1.4)

	res, err := f.matcher.Match(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, res.IsNewPool)
	assert.Equal(t, "v1", res.VehicleID)
	assert.Equal(t, 1, res.PassengerCount)
	assert.GreaterOrEqual(t, res.Price, 50.0)
	assert.InDelta(t, 15.0, res.RouteCost, 0.01)
	assert.False(t, res.Fare.IsPooled)

	ctx := context.Background()
	v, err := f.store.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, models.VehicleAssigned, v.Status)

	r, err := f.store.GetRideRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestMatched, r.Status)
	require.NotNil(t, r.PoolID)
	assert.Equal(t, res.PoolID, *r.PoolID)
	assert.Equal(t, res.Price, *r.Price)

	pps, err := f.store.ListPoolPassengers(ctx, res.PoolID)
	require.NoError(t, err)
	require.Len(t, pps, 1)
	assert.Equal(t, 1, pps[0].PickupOrder)
}

func TestMatchJoinsCompatiblePool(t *testing.T) {
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 4, 4)
	f.vehicle(t, "v2", 4, 4)
	f.request(t, "r1", eastStop, 1, 1.4)
	f.request(t, "r2", northEastStop, 1, 2.0)

	first, err := f.matcher.Match(context.Background(), "r1")
	require.NoError(t, err)
	second, err := f.matcher.Match(context.Background(), "r2")
	require.NoError(t, err)

	assert.False(t, second.IsNewPool)
	assert.Equal(t, first.PoolID, second.PoolID)
	assert.Equal(t, 2, second.PassengerCount)
	assert.True(t, second.Fare.IsPooled)
	// northEastStop is dropped first, so r2 rides with no detour
	assert.Zero(t, second.Fare.Breakdown.DetourKm)

	pool, err := f.store.GetPool(context.Background(), first.PoolID)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.CurrentPassengers)
	assert.Equal(t, 2, pool.CurrentLuggage)
	assert.Equal(t, 1, pool.Version)
	assert.Equal(t, models.PoolOpen, pool.Status)
	assert.InDelta(t, 13.5, pool.RouteCost, 0.01)
}

func TestMatchRejectsPoolBreakingExistingTolerance(t *testing.T) {
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 4, 4)
	f.vehicle(t, "v2", 4, 4)
	f.request(t, "r1", eastStop, 1, 1.3)
	f.request(t, "r2", northEastStop, 1, 2.0)

	first, err := f.matcher.Match(context.Background(), "r1")
	require.NoError(t, err)
	second, err := f.matcher.Match(context.Background(), "r2")
	require.NoError(t, err)

	assert.True(t, second.IsNewPool)
	assert.NotEqual(t, first.PoolID, second.PoolID)
	assert.Equal(t, "v2", second.VehicleID)

	pool, err := f.store.GetPool(context.Background(), first.PoolID)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.CurrentPassengers)
	assert.Equal(t, 0, pool.Version)
}

func TestMatchRejectsPoolBreakingNewTolerance(t *testing.T) {
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 4, 4)
	f.request(t, "r1", northEastStop, 0, 3.0)
	f.request(t, "r2", eastStop, 0, 1.3)

	_, err := f.matcher.Match(context.Background(), "r1")
	require.NoError(t, err)
	_, err = f.matcher.Match(context.Background(), "r2")
	assert.True(t, errors.Is(err, models.ErrNoCapacity))
}

func TestMatchRespectsLuggage(t *testing.T) {
	f := newFixture(t, 4)
	f.vehicle(t, "small", 4, 2)
	f.vehicle(t, "roomy", 4, 6)
	f.request(t, "r1", tNagar, 2, 1.4)
	f.request(t, "r2", tNagar, 3, 1.4)

	first, err := f.matcher.Match(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "small", first.VehicleID)

	second, err := f.matcher.Match(context.Background(), "r2")
	require.NoError(t, err)
	assert.True(t, second.IsNewPool)
	assert.Equal(t, "roomy", second.VehicleID)
}

func TestMatchFillsPoolToCapacity(t *testing.T) {
	f := newFixture(t, 2)
	f.vehicle(t, "v1", 4, 8)
	f.vehicle(t, "v2", 4, 8)
	for _, id := range []string{"r1", "r2", "r3"} {
		f.request(t, id, tNagar, 1, 1.4)
	}

	r1, err := f.matcher.Match(context.Background(), "r1")
	require.NoError(t, err)
	r2, err := f.matcher.Match(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, r1.PoolID, r2.PoolID)

	pool, err := f.store.GetPool(context.Background(), r1.PoolID)
	require.NoError(t, err)
	assert.Equal(t, models.PoolFull, pool.Status)

	r3, err := f.matcher.Match(context.Background(), "r3")
	require.NoError(t, err)
	assert.True(t, r3.IsNewPool)
	assert.Equal(t, "v2", r3.VehicleID)
}

func TestMatchErrors(t *testing.T) {
	f := newFixture(t, 4)
	f.request(t, "r1", tNagar, 0, 1.4)

	_, err := f.matcher.Match(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = f.matcher.Match(context.Background(), "r1")
	assert.True(t, errors.Is(err, models.ErrNoCapacity))

	r, err := f.store.GetRideRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)

	f.vehicle(t, "v1", 4, 4)
	_, err = f.matcher.Match(context.Background(), "r1")
	require.NoError(t, err)
	_, err = f.matcher.Match(context.Background(), "r1")
	assert.True(t, errors.Is(err, models.ErrInvalidState))
}

func TestMatchLastSeatGoesToExactlyOneRequest(t *testing.T) {
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 2, 4)
	f.vehicle(t, "v2", 4, 4)
	f.vehicle(t, "v3", 4, 4)
	f.request(t, "seed", tNagar, 0, 1.4)
	seed, err := f.matcher.Match(context.Background(), "seed")
	require.NoError(t, err)

	f.request(t, "a", tNagar, 0, 1.4)
	f.request(t, "b", tNagar, 0, 1.4)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = f.matcher.Match(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	joined := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].PoolID == seed.PoolID {
			joined++
		} else {
			assert.True(t, results[i].IsNewPool)
		}
	}
	assert.Equal(t, 1, joined)

	pool, err := f.store.GetPool(context.Background(), seed.PoolID)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.CurrentPassengers)
	assert.Equal(t, models.PoolFull, pool.Status)
}

func TestMatchLockTimeout(t *testing.T) {
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 4, 4)
	f.request(t, "r1", tNagar, 0, 1.4)

	h, err := f.matcher.locker.Acquire(context.Background(), lock.MatchingKey, time.Minute)
	require.NoError(t, err)
	defer h.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.matcher.Match(ctx, "r1")
	assert.True(t, errors.Is(err, models.ErrLockTimeout))
}

func TestCapacityHonoursPoolCap(t *testing.T) {
	f := newFixture(t, 3)
	assert.Equal(t, 3, f.matcher.capacity(models.Vehicle{Seats: 6}))
	assert.Equal(t, 2, f.matcher.capacity(models.Vehicle{Seats: 2}))
	assert.Equal(t, 4, newFixture(t, 9).matcher.capacity(models.Vehicle{Seats: 7}))
}

// contendedStore simulates another writer landing inside the matcher's
// transaction, either on the chosen pool or on the chosen vehicle.
type contendedStore struct {
	storage.Store
	bumpPool     bool
	claimVehicle bool
}

func (c *contendedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	return c.Store.RunInTx(ctx, func(ctx context.Context, tx storage.Store) error {
		return fn(ctx, &contendedTx{Store: tx, parent: c})
	})
}

type contendedTx struct {
	storage.Store
	parent *contendedStore
}

func (t *contendedTx) UpdatePoolIfVersion(ctx context.Context, p *models.RidePool) (bool, error) {
	if t.parent.bumpPool {
		cur, err := t.Store.GetPool(ctx, p.ID)
		if err != nil {
			return false, err
		}
		if _, err := t.Store.UpdatePoolIfVersion(ctx, &cur); err != nil {
			return false, err
		}
	}
	return t.Store.UpdatePoolIfVersion(ctx, p)
}

func (t *contendedTx) ClaimVehicle(ctx context.Context, id string) (bool, error) {
	if t.parent.claimVehicle {
		if _, err := t.Store.ClaimVehicle(ctx, id); err != nil {
			return false, err
		}
	}
	return t.Store.ClaimVehicle(ctx, id)
}

func (f *fixture) matcherOn(store storage.Store) *Matcher {
	cfg := config.Default()
	log := logging.Discard()
	return New(store, lock.NewLocalManager(log), pricing.NewCalculator(cfg.Pricing, airport, f.store), Options{
		Airport:       airport,
		MaxPassengers: 4,
		LockTTL:       time.Second,
	}, log)
}

func TestMatchPoolVersionConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 4, 4)
	f.request(t, "r1", eastStop, 1, 1.4)
	f.request(t, "r2", northEastStop, 2, 2.0)
	first, err := f.matcher.Match(ctx, "r1")
	require.NoError(t, err)

	_, err = f.matcherOn(&contendedStore{Store: f.store, bumpPool: true}).Match(ctx, "r2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConflict))
	assert.True(t, models.Retryable(err))

	r2, err := f.store.GetRideRequest(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r2.Status)
	assert.Nil(t, r2.PoolID)
	pool, err := f.store.GetPool(ctx, first.PoolID)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.CurrentPassengers)
	assert.Equal(t, 1, pool.CurrentLuggage)
	assert.Equal(t, 0, pool.Version)
	members, err := f.store.PoolMembers(ctx, first.PoolID)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	// a retry without contention joins the same pool
	res, err := f.matcher.Match(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, first.PoolID, res.PoolID)
	assert.Equal(t, 2, res.PassengerCount)
}

func TestMatchVehicleClaimConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	f.vehicle(t, "v1", 4, 4)
	f.request(t, "r1", tNagar, 1, 1.4)

	_, err := f.matcherOn(&contendedStore{Store: f.store, claimVehicle: true}).Match(ctx, "r1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConflict))
	assert.True(t, models.Retryable(err))

	r1, err := f.store.GetRideRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r1.Status)
	v1, err := f.store.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, models.VehicleAvailable, v1.Status)
	open, err := f.store.ListOpenPools(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	res, err := f.matcher.Match(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, res.IsNewPool)
	assert.Equal(t, "v1", res.VehicleID)
}
