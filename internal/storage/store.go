package storage

import (
	"context"

	"github.com/example/airport-pooling/internal/models"
)

// Store is the persistence contract for passengers, vehicles, ride requests
// and pools. Lookups of missing rows return models.ErrNotFound.
type Store interface {
	CreatePassenger(ctx context.Context, p *models.Passenger) error
	GetPassenger(ctx context.Context, id string) (models.Passenger, error)

	CreateVehicle(ctx context.Context, v *models.Vehicle) error
	GetVehicle(ctx context.Context, id string) (models.Vehicle, error)
	// FirstAvailableVehicle returns the oldest AVAILABLE vehicle able to
	// carry minLuggage bags, or nil when there is none.
	FirstAvailableVehicle(ctx context.Context, minLuggage int) (*models.Vehicle, error)
	// ClaimVehicle flips AVAILABLE to ASSIGNED and reports whether it won.
	ClaimVehicle(ctx context.Context, id string) (bool, error)
	SetVehicleStatus(ctx context.Context, id string, status models.VehicleStatus) error
	// ListVehiclesByStatus pages through vehicles newest first.
	ListVehiclesByStatus(ctx context.Context, status models.VehicleStatus, limit, offset int) ([]models.Vehicle, error)
	CountVehiclesByStatus(ctx context.Context, status models.VehicleStatus) (int, error)

	CreateRideRequest(ctx context.Context, r *models.RideRequest) error
	GetRideRequest(ctx context.Context, id string) (models.RideRequest, error)
	CountRequestsByStatus(ctx context.Context, status models.RequestStatus) (int, error)
	// MarkRequestMatched moves a PENDING request to MATCHED. Any other
	// current status yields models.ErrInvalidState.
	MarkRequestMatched(ctx context.Context, id, poolID string, price float64) error
	// MarkRequestCancelled moves a PENDING or MATCHED request to CANCELLED
	// and clears its pool reference.
	MarkRequestCancelled(ctx context.Context, id string) error
	SetPaymentRef(ctx context.Context, id, ref string) error

	CreatePool(ctx context.Context, p *models.RidePool) error
	GetPool(ctx context.Context, id string) (models.RidePool, error)
	// ListOpenPools loads OPEN pools oldest first, each with its vehicle and
	// MATCHED members.
	ListOpenPools(ctx context.Context) ([]models.PoolCandidate, error)
	// PoolMembers returns the MATCHED requests of a pool.
	PoolMembers(ctx context.Context, poolID string) ([]models.RideRequest, error)
	// UpdatePoolIfVersion writes p only while the stored version equals
	// p.Version. On success p.Version is advanced by one.
	UpdatePoolIfVersion(ctx context.Context, p *models.RidePool) (bool, error)

	AddPoolPassenger(ctx context.Context, pp *models.PoolPassenger) error
	DeletePoolPassenger(ctx context.Context, rideRequestID string) error
	// ListPoolPassengers returns a pool's rows by ascending pickup order.
	ListPoolPassengers(ctx context.Context, poolID string) ([]models.PoolPassenger, error)
	SetPickupOrder(ctx context.Context, poolID, rideRequestID string, order int) error

	// RunInTx runs fn against a transactional view of the store. Every
	// write fn made is discarded when it returns an error.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
