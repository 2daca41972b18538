package storage

import (
	"context"
	"fmt"

	"github.com/example/airport-pooling/internal/models"
)

// SeedDemo fills an empty store with a taxi rank at the airport and a few
// registered passengers. It returns the passenger ids.
func SeedDemo(ctx context.Context, s Store, airport models.Coord) ([]string, error) {
	fleet := []struct {
		plate, driver  string
		seats, luggage int
	}{
		{"TN-01-AB-1234", "Rajesh Kumar", 4, 4},
		{"TN-01-CD-5678", "Suresh Reddy", 4, 4},
		{"TN-01-EF-9012", "Amir Khan", 4, 3},
		{"TN-01-GH-3456", "Priya Sharma", 6, 6},
		{"TN-01-IJ-7890", "Vikram Singh", 4, 4},
		{"TN-01-KL-2345", "Deepa Nair", 4, 4},
		{"TN-01-MN-6789", "Mohammed Ali", 6, 5},
		{"TN-01-OP-0123", "Kavitha Rajan", 4, 4},
	}
	for _, f := range fleet {
		v := &models.Vehicle{
			PlateNumber:     f.plate,
			DriverName:      f.driver,
			Seats:           f.seats,
			LuggageCapacity: f.luggage,
			Status:          models.VehicleAvailable,
			CurrentLat:      airport.Lat,
			CurrentLng:      airport.Lng,
		}
		if err := s.CreateVehicle(ctx, v); err != nil {
			return nil, fmt.Errorf("seed vehicle %s: %w", f.plate, err)
		}
	}

	people := []models.Passenger{
		{Name: "Arjun Mehta", Email: "arjun@example.com", Phone: "+91-9876543210"},
		{Name: "Sneha Patel", Email: "sneha@example.com", Phone: "+91-9876543211"},
		{Name: "Rahul Gupta", Email: "rahul@example.com", Phone: "+91-9876543212"},
		{Name: "Divya Krishnan", Email: "divya@example.com", Phone: "+91-9876543213"},
		{Name: "Karthik Iyer", Email: "karthik@example.com", Phone: "+91-9876543214"},
		{Name: "Ananya Rao", Email: "ananya@example.com", Phone: "+91-9876543215"},
	}
	ids := make([]string, 0, len(people))
	for i := range people {
		if err := s.CreatePassenger(ctx, &people[i]); err != nil {
			return nil, fmt.Errorf("seed passenger %s: %w", people[i].Email, err)
		}
		ids = append(ids, people[i].ID)
	}
	return ids, nil
}
