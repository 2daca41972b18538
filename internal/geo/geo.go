package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/airport-pooling/internal/models"
)

const EarthRadiusKm = 6371.0

// MaxExactStops bounds OptimizeRoute. Exhaustive enumeration is N!, so
// anything past the pool size cap needs an approximate method instead.
const MaxExactStops = 4

var ErrTooManyStops = errors.New("too many stops for exact route optimization")

// Stop is one drop-off on a route. ID is the ride request that owns it, so
// two passengers sharing a destination remain distinguishable.
type Stop struct {
	ID  string
	Loc models.Coord
}

type Route struct {
	Order []Stop
	Cost  float64
}

// Distance returns the great-circle distance in kilometres.
func Distance(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// RouteCost sums the legs origin -> stops[0] -> ... -> stops[n-1].
func RouteCost(origin models.Coord, stops []Stop) float64 {
	cost := 0.0
	prev := origin
	for _, s := range stops {
		cost += Distance(prev, s.Loc)
		prev = s.Loc
	}
	return cost
}

// OptimizeRoute returns the cheapest visiting order of stops starting at
// origin. Permutations are generated with Heap's algorithm and the first
// minimum found wins ties.
func OptimizeRoute(origin models.Coord, stops []Stop) (Route, error) {
	n := len(stops)
	if n > MaxExactStops {
		return Route{}, fmt.Errorf("%w: %d > %d", ErrTooManyStops, n, MaxExactStops)
	}
	perm := make([]Stop, n)
	copy(perm, stops)
	best := Route{Order: append([]Stop(nil), perm...), Cost: RouteCost(origin, perm)}
	if n <= 1 {
		return best, nil
	}

	c := make([]int, n)
	for i := 1; i < n; {
		if c[i] < i {
			if i%2 == 0 {
				perm[0], perm[i] = perm[i], perm[0]
			} else {
				perm[c[i]], perm[i] = perm[i], perm[c[i]]
			}
			if cost := RouteCost(origin, perm); cost < best.Cost {
				best.Cost = cost
				copy(best.Order, perm)
			}
			c[i]++
			i = 1
			continue
		}
		c[i] = 0
		i++
	}
	return best, nil
}

// RoutedDistance is the distance travelled from origin along ordered until
// the stop identified by targetID is reached. The second result is false
// when the target is not on the route, in which case the full route cost
// is returned.
func RoutedDistance(origin models.Coord, ordered []Stop, targetID string) (float64, bool) {
	dist := 0.0
	prev := origin
	for _, s := range ordered {
		dist += Distance(prev, s.Loc)
		if s.ID == targetID {
			return dist, true
		}
		prev = s.Loc
	}
	return dist, false
}

// DetourRatio compares routed against direct distance. A zero-length direct
// trip only tolerates a zero-length routed trip.
func DetourRatio(routedKm, directKm float64) float64 {
	if directKm <= 0 {
		if routedKm <= 0 {
			return 1
		}
		return math.Inf(1)
	}
	return routedKm / directKm
}

// DirectDistance is the straight trip from origin to dest with no shared stops.
func DirectDistance(origin, dest models.Coord) float64 {
	return Distance(origin, dest)
}
