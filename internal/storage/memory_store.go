package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/airport-pooling/internal/models"
)

// MemoryStore keeps everything in process. Transactions work on a copy of
// the state that replaces the live one on commit.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(ctx, work); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *MemoryStore) read() (*memState, func()) {
	m.mu.RLock()
	return m.st, m.mu.RUnlock
}

func (m *MemoryStore) write() (*memState, func()) {
	m.mu.Lock()
	return m.st, m.mu.Unlock
}

func (m *MemoryStore) CreatePassenger(ctx context.Context, p *models.Passenger) error {
	st, done := m.write()
	defer done()
	return st.CreatePassenger(ctx, p)
}

func (m *MemoryStore) GetPassenger(ctx context.Context, id string) (models.Passenger, error) {
	st, done := m.read()
	defer done()
	return st.GetPassenger(ctx, id)
}

func (m *MemoryStore) CreateVehicle(ctx context.Context, v *models.Vehicle) error {
	st, done := m.write()
	defer done()
	return st.CreateVehicle(ctx, v)
}

func (m *MemoryStore) GetVehicle(ctx context.Context, id string) (models.Vehicle, error) {
	st, done := m.read()
	defer done()
	return st.GetVehicle(ctx, id)
}

func (m *MemoryStore) FirstAvailableVehicle(ctx context.Context, minLuggage int) (*models.Vehicle, error) {
	st, done := m.read()
	defer done()
	return st.FirstAvailableVehicle(ctx, minLuggage)
}

func (m *MemoryStore) ClaimVehicle(ctx context.Context, id string) (bool, error) {
	st, done := m.write()
	defer done()
	return st.ClaimVehicle(ctx, id)
}

func (m *MemoryStore) SetVehicleStatus(ctx context.Context, id string, status models.VehicleStatus) error {
	st, done := m.write()
	defer done()
	return st.SetVehicleStatus(ctx, id, status)
}

func (m *MemoryStore) ListVehiclesByStatus(ctx context.Context, status models.VehicleStatus, limit, offset int) ([]models.Vehicle, error) {
	st, done := m.read()
	defer done()
	return st.ListVehiclesByStatus(ctx, status, limit, offset)
}

func (m *MemoryStore) CountVehiclesByStatus(ctx context.Context, status models.VehicleStatus) (int, error) {
	st, done := m.read()
	defer done()
	return st.CountVehiclesByStatus(ctx, status)
}

func (m *MemoryStore) CreateRideRequest(ctx context.Context, r *models.RideRequest) error {
	st, done := m.write()
	defer done()
	return st.CreateRideRequest(ctx, r)
}

func (m *MemoryStore) GetRideRequest(ctx context.Context, id string) (models.RideRequest, error) {
	st, done := m.read()
	defer done()
	return st.GetRideRequest(ctx, id)
}

func (m *MemoryStore) CountRequestsByStatus(ctx context.Context, status models.RequestStatus) (int, error) {
	st, done := m.read()
	defer done()
	return st.CountRequestsByStatus(ctx, status)
}

func (m *MemoryStore) MarkRequestMatched(ctx context.Context, id, poolID string, price float64) error {
	st, done := m.write()
	defer done()
	return st.MarkRequestMatched(ctx, id, poolID, price)
}

func (m *MemoryStore) MarkRequestCancelled(ctx context.Context, id string) error {
	st, done := m.write()
	defer done()
	return st.MarkRequestCancelled(ctx, id)
}

func (m *MemoryStore) SetPaymentRef(ctx context.Context, id, ref string) error {
	st, done := m.write()
	defer done()
	return st.SetPaymentRef(ctx, id, ref)
}

func (m *MemoryStore) CreatePool(ctx context.Context, p *models.RidePool) error {
	st, done := m.write()
	defer done()
	return st.CreatePool(ctx, p)
}

func (m *MemoryStore) GetPool(ctx context.Context, id string) (models.RidePool, error) {
	st, done := m.read()
	defer done()
	return st.GetPool(ctx, id)
}

func (m *MemoryStore) ListOpenPools(ctx context.Context) ([]models.PoolCandidate, error) {
	st, done := m.read()
	defer done()
	return st.ListOpenPools(ctx)
}

func (m *MemoryStore) PoolMembers(ctx context.Context, poolID string) ([]models.RideRequest, error) {
	st, done := m.read()
	defer done()
	return st.PoolMembers(ctx, poolID)
}

func (m *MemoryStore) UpdatePoolIfVersion(ctx context.Context, p *models.RidePool) (bool, error) {
	st, done := m.write()
	defer done()
	return st.UpdatePoolIfVersion(ctx, p)
}

func (m *MemoryStore) AddPoolPassenger(ctx context.Context, pp *models.PoolPassenger) error {
	st, done := m.write()
	defer done()
	return st.AddPoolPassenger(ctx, pp)
}

func (m *MemoryStore) DeletePoolPassenger(ctx context.Context, rideRequestID string) error {
	st, done := m.write()
	defer done()
	return st.DeletePoolPassenger(ctx, rideRequestID)
}

func (m *MemoryStore) ListPoolPassengers(ctx context.Context, poolID string) ([]models.PoolPassenger, error) {
	st, done := m.read()
	defer done()
	return st.ListPoolPassengers(ctx, poolID)
}

func (m *MemoryStore) SetPickupOrder(ctx context.Context, poolID, rideRequestID string, order int) error {
	st, done := m.write()
	defer done()
	return st.SetPickupOrder(ctx, poolID, rideRequestID, order)
}

// memState is the unlocked state. It satisfies Store itself so that a
// transaction can hand its working copy straight to the callback.
type memState struct {
	seq            int64
	created        map[string]int64
	passengers     map[string]models.Passenger
	vehicles       map[string]models.Vehicle
	requests       map[string]models.RideRequest
	pools          map[string]models.RidePool
	poolPassengers map[string]models.PoolPassenger // keyed by ride request id
}

func newMemState() *memState {
	return &memState{
		created:        make(map[string]int64),
		passengers:     make(map[string]models.Passenger),
		vehicles:       make(map[string]models.Vehicle),
		requests:       make(map[string]models.RideRequest),
		pools:          make(map[string]models.RidePool),
		poolPassengers: make(map[string]models.PoolPassenger),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		seq:            s.seq,
		created:        maps.Clone(s.created),
		passengers:     maps.Clone(s.passengers),
		vehicles:       maps.Clone(s.vehicles),
		requests:       maps.Clone(s.requests),
		pools:          maps.Clone(s.pools),
		poolPassengers: maps.Clone(s.poolPassengers),
	}
}

func (s *memState) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, s)
}

func (s *memState) stamp(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
	s.seq++
	s.created[*id] = s.seq
}

// before orders by creation time, then by insertion order.
func (s *memState) before(aID string, aAt time.Time, bID string, bAt time.Time) bool {
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return s.created[aID] < s.created[bID]
}

func (s *memState) CreatePassenger(_ context.Context, p *models.Passenger) error {
	s.stamp(&p.ID, &p.CreatedAt)
	s.passengers[p.ID] = *p
	return nil
}

func (s *memState) GetPassenger(_ context.Context, id string) (models.Passenger, error) {
	p, ok := s.passengers[id]
	if !ok {
		return models.Passenger{}, fmt.Errorf("passenger %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (s *memState) CreateVehicle(_ context.Context, v *models.Vehicle) error {
	s.stamp(&v.ID, &v.CreatedAt)
	if v.Status == "" {
		v.Status = models.VehicleAvailable
	}
	s.vehicles[v.ID] = *v
	return nil
}

func (s *memState) GetVehicle(_ context.Context, id string) (models.Vehicle, error) {
	v, ok := s.vehicles[id]
	if !ok {
		return models.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, models.ErrNotFound)
	}
	return v, nil
}

func (s *memState) vehiclesWithStatus(status models.VehicleStatus) []models.Vehicle {
	var out []models.Vehicle
	for _, v := range s.vehicles {
		if v.Status == status {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.before(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out
}

func (s *memState) FirstAvailableVehicle(_ context.Context, minLuggage int) (*models.Vehicle, error) {
	for _, v := range s.vehiclesWithStatus(models.VehicleAvailable) {
		if v.LuggageCapacity >= minLuggage {
			return &v, nil
		}
	}
	return nil, nil
}

func (s *memState) ClaimVehicle(_ context.Context, id string) (bool, error) {
	v, ok := s.vehicles[id]
	if !ok || v.Status != models.VehicleAvailable {
		return false, nil
	}
	v.Status = models.VehicleAssigned
	s.vehicles[id] = v
	return true, nil
}

func (s *memState) SetVehicleStatus(_ context.Context, id string, status models.VehicleStatus) error {
	v, ok := s.vehicles[id]
	if !ok {
		return fmt.Errorf("vehicle %s: %w", id, models.ErrNotFound)
	}
	v.Status = status
	s.vehicles[id] = v
	return nil
}

func (s *memState) ListVehiclesByStatus(_ context.Context, status models.VehicleStatus, limit, offset int) ([]models.Vehicle, error) {
	list := s.vehiclesWithStatus(status)
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	if offset >= len(list) {
		return []models.Vehicle{}, nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list, nil
}

func (s *memState) CountVehiclesByStatus(_ context.Context, status models.VehicleStatus) (int, error) {
	n := 0
	for _, v := range s.vehicles {
		if v.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *memState) CreateRideRequest(_ context.Context, r *models.RideRequest) error {
	s.stamp(&r.ID, &r.CreatedAt)
	if r.Status == "" {
		r.Status = models.RequestPending
	}
	r.UpdatedAt = r.CreatedAt
	s.requests[r.ID] = *r
	return nil
}

func (s *memState) GetRideRequest(_ context.Context, id string) (models.RideRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return models.RideRequest{}, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (s *memState) CountRequestsByStatus(_ context.Context, status models.RequestStatus) (int, error) {
	n := 0
	for _, r := range s.requests {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *memState) MarkRequestMatched(_ context.Context, id, poolID string, price float64) error {
	r, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != models.RequestPending {
		return fmt.Errorf("ride request %s is %s: %w", id, r.Status, models.ErrInvalidState)
	}
	r.Status = models.RequestMatched
	r.PoolID = &poolID
	r.Price = &price
	r.UpdatedAt = time.Now().UTC()
	s.requests[id] = r
	return nil
}

func (s *memState) MarkRequestCancelled(_ context.Context, id string) error {
	r, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != models.RequestPending && r.Status != models.RequestMatched {
		return fmt.Errorf("ride request %s is %s: %w", id, r.Status, models.ErrInvalidState)
	}
	r.Status = models.RequestCancelled
	r.PoolID = nil
	r.UpdatedAt = time.Now().UTC()
	s.requests[id] = r
	return nil
}

func (s *memState) SetPaymentRef(_ context.Context, id, ref string) error {
	r, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	r.PaymentRef = &ref
	s.requests[id] = r
	return nil
}

func (s *memState) CreatePool(_ context.Context, p *models.RidePool) error {
	s.stamp(&p.ID, &p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	s.pools[p.ID] = *p
	return nil
}

func (s *memState) GetPool(_ context.Context, id string) (models.RidePool, error) {
	p, ok := s.pools[id]
	if !ok {
		return models.RidePool{}, fmt.Errorf("pool %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (s *memState) ListOpenPools(ctx context.Context) ([]models.PoolCandidate, error) {
	var open []models.RidePool
	for _, p := range s.pools {
		if p.Status == models.PoolOpen {
			open = append(open, p)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return s.before(open[i].ID, open[i].CreatedAt, open[j].ID, open[j].CreatedAt)
	})
	out := make([]models.PoolCandidate, 0, len(open))
	for _, p := range open {
		v, err := s.GetVehicle(ctx, p.VehicleID)
		if err != nil {
			return nil, err
		}
		members, err := s.PoolMembers(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PoolCandidate{Pool: p, Vehicle: v, Members: members})
	}
	return out, nil
}

func (s *memState) PoolMembers(_ context.Context, poolID string) ([]models.RideRequest, error) {
	var out []models.RideRequest
	for _, r := range s.requests {
		if r.Status == models.RequestMatched && r.PoolID != nil && *r.PoolID == poolID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.before(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out, nil
}

func (s *memState) UpdatePoolIfVersion(_ context.Context, p *models.RidePool) (bool, error) {
	cur, ok := s.pools[p.ID]
	if !ok {
		return false, fmt.Errorf("pool %s: %w", p.ID, models.ErrNotFound)
	}
	if cur.Version != p.Version {
		return false, nil
	}
	cur.Status = p.Status
	cur.CurrentPassengers = p.CurrentPassengers
	cur.CurrentLuggage = p.CurrentLuggage
	cur.RouteCost = p.RouteCost
	cur.Version = p.Version + 1
	cur.UpdatedAt = time.Now().UTC()
	s.pools[p.ID] = cur
	*p = cur
	return true, nil
}

func (s *memState) AddPoolPassenger(_ context.Context, pp *models.PoolPassenger) error {
	if _, dup := s.poolPassengers[pp.RideRequestID]; dup {
		return fmt.Errorf("ride request %s already pooled: %w", pp.RideRequestID, models.ErrConflict)
	}
	if pp.ID == "" {
		pp.ID = uuid.NewString()
	}
	s.poolPassengers[pp.RideRequestID] = *pp
	return nil
}

func (s *memState) DeletePoolPassenger(_ context.Context, rideRequestID string) error {
	delete(s.poolPassengers, rideRequestID)
	return nil
}

func (s *memState) ListPoolPassengers(_ context.Context, poolID string) ([]models.PoolPassenger, error) {
	var out []models.PoolPassenger
	for _, pp := range s.poolPassengers {
		if pp.PoolID == poolID {
			out = append(out, pp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PickupOrder != out[j].PickupOrder {
			return out[i].PickupOrder < out[j].PickupOrder
		}
		return out[i].RideRequestID < out[j].RideRequestID
	})
	return out, nil
}

func (s *memState) SetPickupOrder(_ context.Context, poolID, rideRequestID string, order int) error {
	pp, ok := s.poolPassengers[rideRequestID]
	if !ok || pp.PoolID != poolID {
		return fmt.Errorf("pool passenger %s/%s: %w", poolID, rideRequestID, models.ErrNotFound)
	}
	pp.PickupOrder = order
	s.poolPassengers[rideRequestID] = pp
	return nil
}
