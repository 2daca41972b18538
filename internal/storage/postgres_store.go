package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/airport-pooling/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

const (
	passengerCols = `id, name, email, phone, created_at`
	vehicleCols   = `id, plate_number, driver_name, seats, luggage_capacity, status, current_lat, current_lng, created_at`
	requestCols   = `id, passenger_id, dest_lat, dest_lng, dest_address, luggage_count, max_detour_ratio, status, pool_id, price, payment_ref, created_at, updated_at`
	poolCols      = `id, vehicle_id, status, current_passengers, current_luggage, route_cost, version, created_at, updated_at`
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sqlx.DB // nil inside a transaction
	q  sqlx.ExtContext
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (p *PostgresStore) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.q.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) (err error) {
	if p.db == nil {
		return fn(ctx, p)
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, &PostgresStore{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func (p *PostgresStore) CreatePassenger(ctx context.Context, ps *models.Passenger) error {
	if ps.ID == "" {
		ps.ID = uuid.NewString()
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now().UTC()
	}
	_, err := sqlx.NamedExecContext(ctx, p.q,
		`INSERT INTO passengers (`+passengerCols+`) VALUES (:id, :name, :email, :phone, :created_at)`, ps)
	if err != nil {
		return fmt.Errorf("insert passenger: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPassenger(ctx context.Context, id string) (models.Passenger, error) {
	var ps models.Passenger
	err := sqlx.GetContext(ctx, p.q, &ps, `SELECT `+passengerCols+` FROM passengers WHERE id = $1`, id)
	if err != nil {
		return models.Passenger{}, notFound(err, "passenger", id)
	}
	return ps, nil
}

func (p *PostgresStore) CreateVehicle(ctx context.Context, v *models.Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Status == "" {
		v.Status = models.VehicleAvailable
	}
	_, err := sqlx.NamedExecContext(ctx, p.q,
		`INSERT INTO vehicles (`+vehicleCols+`)
		 VALUES (:id, :plate_number, :driver_name, :seats, :luggage_capacity, :status, :current_lat, :current_lng, :created_at)`, v)
	if err != nil {
		return fmt.Errorf("insert vehicle: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetVehicle(ctx context.Context, id string) (models.Vehicle, error) {
	var v models.Vehicle
	err := sqlx.GetContext(ctx, p.q, &v, `SELECT `+vehicleCols+` FROM vehicles WHERE id = $1`, id)
	if err != nil {
		return models.Vehicle{}, notFound(err, "vehicle", id)
	}
	return v, nil
}

func (p *PostgresStore) FirstAvailableVehicle(ctx context.Context, minLuggage int) (*models.Vehicle, error) {
	var v models.Vehicle
	err := sqlx.GetContext(ctx, p.q, &v,
		`SELECT `+vehicleCols+` FROM vehicles
		 WHERE status = $1 AND luggage_capacity >= $2
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		models.VehicleAvailable, minLuggage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first available vehicle: %w", err)
	}
	return &v, nil
}

func (p *PostgresStore) ClaimVehicle(ctx context.Context, id string) (bool, error) {
	res, err := p.q.ExecContext(ctx,
		`UPDATE vehicles SET status = $1 WHERE id = $2 AND status = $3`,
		models.VehicleAssigned, id, models.VehicleAvailable)
	if err != nil {
		return false, fmt.Errorf("claim vehicle %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) SetVehicleStatus(ctx context.Context, id string, status models.VehicleStatus) error {
	res, err := p.q.ExecContext(ctx, `UPDATE vehicles SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set vehicle %s status: %w", id, err)
	}
	return expectOne(res, "vehicle", id)
}

func (p *PostgresStore) ListVehiclesByStatus(ctx context.Context, status models.VehicleStatus, limit, offset int) ([]models.Vehicle, error) {
	vehicles := []models.Vehicle{}
	err := sqlx.SelectContext(ctx, p.q, &vehicles,
		`SELECT `+vehicleCols+` FROM vehicles WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	return vehicles, nil
}

func (p *PostgresStore) CountVehiclesByStatus(ctx context.Context, status models.VehicleStatus) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, p.q, &n, `SELECT COUNT(*) FROM vehicles WHERE status = $1`, status); err != nil {
		return 0, fmt.Errorf("count vehicles: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CreateRideRequest(ctx context.Context, r *models.RideRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.RequestPending
	}
	r.UpdatedAt = r.CreatedAt
	_, err := sqlx.NamedExecContext(ctx, p.q,
		`INSERT INTO ride_requests (`+requestCols+`)
		 VALUES (:id, :passenger_id, :dest_lat, :dest_lng, :dest_address, :luggage_count, :max_detour_ratio,
		         :status, :pool_id, :price, :payment_ref, :created_at, :updated_at)`, r)
	if err != nil {
		return fmt.Errorf("insert ride request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRideRequest(ctx context.Context, id string) (models.RideRequest, error) {
	var r models.RideRequest
	err := sqlx.GetContext(ctx, p.q, &r, `SELECT `+requestCols+` FROM ride_requests WHERE id = $1`, id)
	if err != nil {
		return models.RideRequest{}, notFound(err, "ride request", id)
	}
	return r, nil
}

func (p *PostgresStore) CountRequestsByStatus(ctx context.Context, status models.RequestStatus) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, p.q, &n, `SELECT COUNT(*) FROM ride_requests WHERE status = $1`, status); err != nil {
		return 0, fmt.Errorf("count ride requests: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) MarkRequestMatched(ctx context.Context, id, poolID string, price float64) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE ride_requests SET status = $1, pool_id = $2, price = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		models.RequestMatched, poolID, price, time.Now().UTC(), id, models.RequestPending)
	if err != nil {
		return fmt.Errorf("mark ride request %s matched: %w", id, err)
	}
	return p.expectTransition(ctx, res, id)
}

func (p *PostgresStore) MarkRequestCancelled(ctx context.Context, id string) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE ride_requests SET status = $1, pool_id = NULL, updated_at = $2
		 WHERE id = $3 AND status IN ($4, $5)`,
		models.RequestCancelled, time.Now().UTC(), id, models.RequestPending, models.RequestMatched)
	if err != nil {
		return fmt.Errorf("mark ride request %s cancelled: %w", id, err)
	}
	return p.expectTransition(ctx, res, id)
}

// expectTransition tells a missing request apart from one whose status did
// not allow the conditional update.
func (p *PostgresStore) expectTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	r, err := p.GetRideRequest(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("ride request %s is %s: %w", id, r.Status, models.ErrInvalidState)
}

func (p *PostgresStore) SetPaymentRef(ctx context.Context, id, ref string) error {
	res, err := p.q.ExecContext(ctx, `UPDATE ride_requests SET payment_ref = $1 WHERE id = $2`, ref, id)
	if err != nil {
		return fmt.Errorf("set payment ref %s: %w", id, err)
	}
	return expectOne(res, "ride request", id)
}

func (p *PostgresStore) CreatePool(ctx context.Context, rp *models.RidePool) error {
	if rp.ID == "" {
		rp.ID = uuid.NewString()
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = time.Now().UTC()
	}
	rp.UpdatedAt = rp.CreatedAt
	_, err := sqlx.NamedExecContext(ctx, p.q,
		`INSERT INTO ride_pools (`+poolCols+`)
		 VALUES (:id, :vehicle_id, :status, :current_passengers, :current_luggage, :route_cost, :version, :created_at, :updated_at)`, rp)
	if err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPool(ctx context.Context, id string) (models.RidePool, error) {
	var rp models.RidePool
	err := sqlx.GetContext(ctx, p.q, &rp, `SELECT `+poolCols+` FROM ride_pools WHERE id = $1`, id)
	if err != nil {
		return models.RidePool{}, notFound(err, "pool", id)
	}
	return rp, nil
}

type poolWithVehicle struct {
	models.RidePool
	Vehicle models.Vehicle `db:"vehicle"`
}

func (p *PostgresStore) ListOpenPools(ctx context.Context) ([]models.PoolCandidate, error) {
	var rows []poolWithVehicle
	err := sqlx.SelectContext(ctx, p.q, &rows, `
		SELECT p.id, p.vehicle_id, p.status, p.current_passengers, p.current_luggage, p.route_cost,
		       p.version, p.created_at, p.updated_at,
		       v.id AS "vehicle.id", v.plate_number AS "vehicle.plate_number",
		       v.driver_name AS "vehicle.driver_name", v.seats AS "vehicle.seats",
		       v.luggage_capacity AS "vehicle.luggage_capacity", v.status AS "vehicle.status",
		       v.current_lat AS "vehicle.current_lat", v.current_lng AS "vehicle.current_lng",
		       v.created_at AS "vehicle.created_at"
		FROM ride_pools p
		JOIN vehicles v ON v.id = p.vehicle_id
		WHERE p.status = $1
		ORDER BY p.created_at ASC, p.id ASC`, models.PoolOpen)
	if err != nil {
		return nil, fmt.Errorf("list open pools: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var members []models.RideRequest
	err = sqlx.SelectContext(ctx, p.q, &members,
		`SELECT `+requestCols+` FROM ride_requests
		 WHERE status = $1 AND pool_id = ANY($2)
		 ORDER BY created_at ASC, id ASC`, models.RequestMatched, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load pool members: %w", err)
	}
	byPool := make(map[string][]models.RideRequest, len(rows))
	for _, m := range members {
		byPool[*m.PoolID] = append(byPool[*m.PoolID], m)
	}

	out := make([]models.PoolCandidate, len(rows))
	for i, r := range rows {
		out[i] = models.PoolCandidate{Pool: r.RidePool, Vehicle: r.Vehicle, Members: byPool[r.ID]}
	}
	return out, nil
}

func (p *PostgresStore) PoolMembers(ctx context.Context, poolID string) ([]models.RideRequest, error) {
	var members []models.RideRequest
	err := sqlx.SelectContext(ctx, p.q, &members,
		`SELECT `+requestCols+` FROM ride_requests WHERE pool_id = $1 AND status = $2 ORDER BY created_at ASC, id ASC`,
		poolID, models.RequestMatched)
	if err != nil {
		return nil, fmt.Errorf("pool %s members: %w", poolID, err)
	}
	return members, nil
}

func (p *PostgresStore) UpdatePoolIfVersion(ctx context.Context, rp *models.RidePool) (bool, error) {
	now := time.Now().UTC()
	res, err := p.q.ExecContext(ctx,
		`UPDATE ride_pools
		 SET status = $1, current_passengers = $2, current_luggage = $3, route_cost = $4,
		     version = version + 1, updated_at = $5
		 WHERE id = $6 AND version = $7`,
		rp.Status, rp.CurrentPassengers, rp.CurrentLuggage, rp.RouteCost, now, rp.ID, rp.Version)
	if err != nil {
		return false, fmt.Errorf("update pool %s: %w", rp.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	rp.Version++
	rp.UpdatedAt = now
	return true, nil
}

func (p *PostgresStore) AddPoolPassenger(ctx context.Context, pp *models.PoolPassenger) error {
	if pp.ID == "" {
		pp.ID = uuid.NewString()
	}
	_, err := sqlx.NamedExecContext(ctx, p.q,
		`INSERT INTO pool_passengers (id, pool_id, ride_request_id, pickup_order)
		 VALUES (:id, :pool_id, :ride_request_id, :pickup_order)`, pp)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("ride request %s already pooled: %w", pp.RideRequestID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert pool passenger: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeletePoolPassenger(ctx context.Context, rideRequestID string) error {
	if _, err := p.q.ExecContext(ctx, `DELETE FROM pool_passengers WHERE ride_request_id = $1`, rideRequestID); err != nil {
		return fmt.Errorf("delete pool passenger %s: %w", rideRequestID, err)
	}
	return nil
}

func (p *PostgresStore) ListPoolPassengers(ctx context.Context, poolID string) ([]models.PoolPassenger, error) {
	var out []models.PoolPassenger
	err := sqlx.SelectContext(ctx, p.q, &out,
		`SELECT id, pool_id, ride_request_id, pickup_order FROM pool_passengers
		 WHERE pool_id = $1 ORDER BY pickup_order ASC, ride_request_id ASC`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list pool %s passengers: %w", poolID, err)
	}
	return out, nil
}

func (p *PostgresStore) SetPickupOrder(ctx context.Context, poolID, rideRequestID string, order int) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE pool_passengers SET pickup_order = $1 WHERE pool_id = $2 AND ride_request_id = $3`,
		order, poolID, rideRequestID)
	if err != nil {
		return fmt.Errorf("set pickup order %s: %w", rideRequestID, err)
	}
	return expectOne(res, "pool passenger", rideRequestID)
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return nil
}
