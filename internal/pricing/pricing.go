package pricing

import (
	"context"
	"fmt"
	"math"

	"github.com/example/airport-pooling/internal/config"
	"github.com/example/airport-pooling/internal/geo"
	"github.com/example/airport-pooling/internal/models"
)

// demandSaturationRatio is the pending/available ratio at which the
// multiplier reaches its configured maximum.
const demandSaturationRatio = 3.0

const estimateNote = "Estimate only. Final price depends on live demand and the detour of the assigned pool."

// DemandCounter reports the live counts the demand multiplier is derived from.
type DemandCounter interface {
	CountRequestsByStatus(ctx context.Context, status models.RequestStatus) (int, error)
	CountVehiclesByStatus(ctx context.Context, status models.VehicleStatus) (int, error)
}

type Breakdown struct {
	BaseFare         float64 `json:"base_fare"`
	DistanceKm       float64 `json:"distance_km"`
	DistanceCharge   float64 `json:"distance_charge"`
	DemandMultiplier float64 `json:"demand_multiplier"`
	Subtotal         float64 `json:"subtotal"`
	PoolDiscount     float64 `json:"pool_discount"`
	DetourKm         float64 `json:"detour_km"`
	DetourPenalty    float64 `json:"detour_penalty"`
}

// Fare is an authoritative price, produced with a live demand multiplier.
type Fare struct {
	TotalPrice float64   `json:"total_price"`
	IsPooled   bool      `json:"is_pooled"`
	Breakdown  Breakdown `json:"breakdown"`
}

// Quote is a pre-booking estimate. It never carries demand or detour
// adjustments and must not be charged.
type Quote struct {
	EstimatedPrice float64   `json:"estimated_price"`
	IsPooled       bool      `json:"is_pooled"`
	Breakdown      Breakdown `json:"breakdown"`
	Note           string    `json:"note"`
}

type Calculator struct {
	cfg     config.PricingConfig
	airport models.Coord
	demand  DemandCounter
}

func NewCalculator(cfg config.PricingConfig, airport models.Coord, demand DemandCounter) *Calculator {
	return &Calculator{cfg: cfg, airport: airport, demand: demand}
}

// DemandMultiplier scales linearly from 1.0 at no pending demand to the
// configured maximum once pending requests reach three per available
// vehicle. With no vehicles available it is pinned at the maximum.
func (c *Calculator) DemandMultiplier(ctx context.Context) (float64, error) {
	pending, err := c.demand.CountRequestsByStatus(ctx, models.RequestPending)
	if err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	available, err := c.demand.CountVehiclesByStatus(ctx, models.VehicleAvailable)
	if err != nil {
		return 0, fmt.Errorf("count available vehicles: %w", err)
	}
	return c.multiplierFor(pending, available), nil
}

func (c *Calculator) multiplierFor(pending, available int) float64 {
	ceiling := c.cfg.MaxDemandMultiplier
	if available <= 0 {
		return round2(ceiling)
	}
	ratio := float64(pending) / float64(available)
	m := 1 + (ratio/demandSaturationRatio)*(ceiling-1)
	return round2(math.Min(m, ceiling))
}

func (c *Calculator) CalculateFare(directKm float64, isPooled bool, detourKm, multiplier float64) Fare {
	b, raw := c.breakdown(directKm, isPooled, detourKm, multiplier)
	return Fare{
		TotalPrice: math.Max(round2(raw), c.cfg.BaseFare),
		IsPooled:   isPooled,
		Breakdown:  b,
	}
}

// Quote prices a trip without consulting live demand.
func (c *Calculator) Quote(directKm float64, isPooled bool) Quote {
	b, raw := c.breakdown(directKm, isPooled, 0, 1)
	return Quote{
		EstimatedPrice: math.Max(round2(raw), c.cfg.BaseFare),
		IsPooled:       isPooled,
		Breakdown:      b,
		Note:           estimateNote,
	}
}

// QuoteForDestination quotes the trip from the airport to dest.
func (c *Calculator) QuoteForDestination(dest models.Coord, isPooled bool) Quote {
	return c.Quote(geo.DirectDistance(c.airport, dest), isPooled)
}

// CalculateForDestination prices the trip from the airport to dest with
// the current demand multiplier.
func (c *Calculator) CalculateForDestination(ctx context.Context, dest models.Coord, isPooled bool, detourKm float64) (Fare, error) {
	m, err := c.DemandMultiplier(ctx)
	if err != nil {
		return Fare{}, err
	}
	return c.CalculateFare(geo.DirectDistance(c.airport, dest), isPooled, detourKm, m), nil
}

// breakdown returns the rounded components together with the unrounded
// total so the final price is rounded exactly once.
func (c *Calculator) breakdown(directKm float64, isPooled bool, detourKm, multiplier float64) (Breakdown, float64) {
	distanceCharge := c.cfg.DistanceRatePerKm * directKm
	subtotal := (c.cfg.BaseFare + distanceCharge) * multiplier
	discount := 0.0
	if isPooled {
		discount = subtotal * c.cfg.PoolDiscountPercent / 100
	}
	detourKm = math.Max(detourKm, 0)
	penalty := c.cfg.DetourPenaltyPerKm * detourKm
	return Breakdown{
		BaseFare:         round2(c.cfg.BaseFare),
		DistanceKm:       round2(directKm),
		DistanceCharge:   round2(distanceCharge),
		DemandMultiplier: multiplier,
		Subtotal:         round2(subtotal),
		PoolDiscount:     round2(discount),
		DetourKm:         round2(detourKm),
		DetourPenalty:    round2(penalty),
	}, subtotal - discount + penalty
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
