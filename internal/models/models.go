package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type VehicleStatus string

const (
	VehicleAvailable VehicleStatus = "AVAILABLE"
	VehicleAssigned  VehicleStatus = "ASSIGNED"
	VehicleOffDuty   VehicleStatus = "OFF_DUTY"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestMatched   RequestStatus = "MATCHED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestCompleted RequestStatus = "COMPLETED"
)

type PoolStatus string

const (
	PoolOpen      PoolStatus = "OPEN"
	PoolFull      PoolStatus = "FULL"
	PoolInTransit PoolStatus = "IN_TRANSIT"
	PoolCompleted PoolStatus = "COMPLETED"
	PoolCancelled PoolStatus = "CANCELLED"
)

// Terminal reports whether the pool can no longer change membership.
func (s PoolStatus) Terminal() bool {
	return s == PoolCompleted || s == PoolCancelled
}

type Passenger struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Phone     string    `json:"phone" db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Vehicle struct {
	ID              string        `json:"id" db:"id"`
	PlateNumber     string        `json:"plate_number" db:"plate_number"`
	DriverName      string        `json:"driver_name" db:"driver_name"`
	Seats           int           `json:"seats" db:"seats"`
	LuggageCapacity int           `json:"luggage_capacity" db:"luggage_capacity"`
	Status          VehicleStatus `json:"status" db:"status"`
	CurrentLat      float64       `json:"current_lat" db:"current_lat"`
	CurrentLng      float64       `json:"current_lng" db:"current_lng"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}

type RideRequest struct {
	ID             string        `json:"id" db:"id"`
	PassengerID    string        `json:"passenger_id" db:"passenger_id"`
	DestLat        float64       `json:"dest_lat" db:"dest_lat"`
	DestLng        float64       `json:"dest_lng" db:"dest_lng"`
	DestAddress    string        `json:"dest_address" db:"dest_address"`
	LuggageCount   int           `json:"luggage_count" db:"luggage_count"`
	MaxDetourRatio float64       `json:"max_detour_ratio" db:"max_detour_ratio"`
	Status         RequestStatus `json:"status" db:"status"`
	PoolID         *string       `json:"pool_id,omitempty" db:"pool_id"`
	Price          *float64      `json:"price,omitempty" db:"price"`
	PaymentRef     *string       `json:"-" db:"payment_ref"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

func (r RideRequest) Destination() Coord {
	return Coord{Lat: r.DestLat, Lng: r.DestLng}
}

type RidePool struct {
	ID                string     `json:"id" db:"id"`
	VehicleID         string     `json:"vehicle_id" db:"vehicle_id"`
	Status            PoolStatus `json:"status" db:"status"`
	CurrentPassengers int        `json:"current_passengers" db:"current_passengers"`
	CurrentLuggage    int        `json:"current_luggage" db:"current_luggage"`
	RouteCost         float64    `json:"route_cost_km" db:"route_cost"`
	Version           int        `json:"version" db:"version"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

type PoolPassenger struct {
	ID            string `json:"id" db:"id"`
	PoolID        string `json:"pool_id" db:"pool_id"`
	RideRequestID string `json:"ride_request_id" db:"ride_request_id"`
	PickupOrder   int    `json:"pickup_order" db:"pickup_order"`
}

// PoolCandidate is an OPEN pool loaded with its vehicle and MATCHED members,
// the shape the matcher scores.
type PoolCandidate struct {
	Pool    RidePool
	Vehicle Vehicle
	Members []RideRequest
}

// RideUpdate is pushed to passengers when their request changes state.
type RideUpdate struct {
	RideRequestID  string        `json:"ride_request_id"`
	Status         RequestStatus `json:"status"`
	Event          string        `json:"event"`
	PoolID         string        `json:"pool_id,omitempty"`
	VehicleID      string        `json:"vehicle_id,omitempty"`
	Price          float64       `json:"price,omitempty"`
	PassengerCount int           `json:"passenger_count,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	At             time.Time     `json:"at"`
}

const (
	EventMatched     = "MATCHED"
	EventMatchFailed = "MATCH_FAILED"
	EventCancelled   = "CANCELLED"
	// EventStatus is the snapshot sent when a client subscribes.
	EventStatus = "STATUS"
)
