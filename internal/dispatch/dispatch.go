// Package dispatch pushes ride status changes to interested parties.
package dispatch

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, update models.RideUpdate) error
}

// LogDispatcher writes every update to the log. It stands in for a
// driver-app backend.
type LogDispatcher struct {
	Log *logrus.Logger
}

func (d *LogDispatcher) Notify(_ context.Context, u models.RideUpdate) error {
	d.Log.WithFields(logrus.Fields{
		"ride_request_id": u.RideRequestID,
		"event":           u.Event,
		"status":          u.Status,
		"pool_id":         u.PoolID,
		"vehicle_id":      u.VehicleID,
	}).Info("[dispatch] ride update")
	return nil
}

// Fanout delivers to every notifier, even after one fails, and returns
// the first error.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, u models.RideUpdate) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, u); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var ErrNoSession = errors.New("no ws session")
