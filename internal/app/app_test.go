package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/airport-pooling/internal/config"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/logging"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/storage"
)

func TestNewFallsBackToInProcessComponents(t *testing.T) {
	cfg := config.Default()
	cfg.SeedDemo = true

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storage.MemoryStore{}, a.Store)
	assert.IsType(t, &lock.LocalManager{}, a.Locker)
	assert.False(t, a.Payments.Enabled())
	require.NoError(t, a.Ready(context.Background()))

	n, err := a.Store.CountVehiclesByStatus(context.Background(), models.VehicleAvailable)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestSeededFleetCanBeMatched(t *testing.T) {
	cfg := config.Default()
	cfg.SeedDemo = true
	ctx := context.Background()

	a, err := New(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	vehicles, err := a.Store.ListVehiclesByStatus(ctx, models.VehicleAvailable, 1, 0)
	require.NoError(t, err)
	require.Len(t, vehicles, 1)

	p := models.Passenger{Name: "Meera", Email: "meera@example.com"}
	require.NoError(t, a.Store.CreatePassenger(ctx, &p))
	req := models.RideRequest{PassengerID: p.ID, DestLat: 13.0418, DestLng: 80.2341, DestAddress: "Mylapore", LuggageCount: 2, MaxDetourRatio: 1.4}
	require.NoError(t, a.Store.CreateRideRequest(ctx, &req))

	res, err := a.Matcher.Match(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, res.IsNewPool)

	cancelled, err := a.Rebalancer.Cancel(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.PoolDisbanded)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.BackoffBase = 10 * time.Millisecond
	a := &App{Config: cfg}

	p := a.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, p.Backoff(1))
}
