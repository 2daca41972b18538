// Package httpapi exposes ride requests, cancellations, pools, pricing and
// ride status over HTTP and websockets.
package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/dispatch"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
	"github.com/example/airport-pooling/internal/pricing"
	"github.com/example/airport-pooling/internal/queue"
	"github.com/example/airport-pooling/internal/rebalancer"
	"github.com/example/airport-pooling/internal/storage"
	"github.com/example/airport-pooling/internal/worker"
)

const (
	defaultLuggage     = 1
	maxLuggage         = 10
	defaultDetourRatio = 1.4
	minDetourRatio     = 1.0
	maxDetourRatio     = 3.0

	defaultPageSize = 20
	maxPageSize     = 100
)

type Canceller interface {
	Cancel(ctx context.Context, rideRequestID string) (rebalancer.CancelResult, error)
}

type PaymentReleaser interface {
	Cancel(ctx context.Context, ref string) error
}

type Deps struct {
	Store    storage.Store
	Pricing  *pricing.Calculator
	Cancels  Canceller
	Payments PaymentReleaser
	Queue    queue.Enqueuer
	Health   queue.HealthReporter
	WS       *dispatch.WSRegistry
	Notifier dispatch.Notifier
	Log      *logrus.Logger
}

type Server struct {
	Deps
	mux *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{Deps: d, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleRideStatus).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}", s.handlePool).Methods(http.MethodGet)
	api.HandleFunc("/pricing/estimate", s.handleEstimate).Methods(http.MethodGet)
	api.HandleFunc("/pricing/calculate", s.handleCalculate).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/available", s.handleAvailableVehicles).Methods(http.MethodGet)
	api.HandleFunc("/queue/health", s.handleQueueHealth).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/rides/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	PassengerID    string   `json:"passenger_id"`
	DestLat        *float64 `json:"dest_lat"`
	DestLng        *float64 `json:"dest_lng"`
	DestAddress    string   `json:"dest_address"`
	LuggageCount   *int     `json:"luggage_count"`
	MaxDetourRatio *float64 `json:"max_detour_ratio"`
}

func (b rideRequestBody) toRequest() (models.RideRequest, error) {
	if b.PassengerID == "" || b.DestLat == nil || b.DestLng == nil || b.DestAddress == "" {
		return models.RideRequest{}, invalid("missing required fields: passenger_id, dest_lat, dest_lng, dest_address")
	}
	if err := validCoord(*b.DestLat, *b.DestLng); err != nil {
		return models.RideRequest{}, err
	}
	luggage := defaultLuggage
	if b.LuggageCount != nil {
		luggage = *b.LuggageCount
	}
	if luggage < 0 || luggage > maxLuggage {
		return models.RideRequest{}, invalid("luggage_count must be 0-%d", maxLuggage)
	}
	ratio := defaultDetourRatio
	if b.MaxDetourRatio != nil {
		ratio = *b.MaxDetourRatio
	}
	if ratio < minDetourRatio || ratio > maxDetourRatio {
		return models.RideRequest{}, invalid("max_detour_ratio must be %.1f-%.1f", minDetourRatio, maxDetourRatio)
	}
	return models.RideRequest{
		PassengerID:    b.PassengerID,
		DestLat:        *b.DestLat,
		DestLng:        *b.DestLng,
		DestAddress:    b.DestAddress,
		LuggageCount:   luggage,
		MaxDetourRatio: ratio,
		Status:         models.RequestPending,
	}, nil
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.Store.GetPassenger(r.Context(), req.PassengerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.CreateRideRequest(r.Context(), &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.Queue.Enqueue(r.Context(), worker.JobName, worker.JobID(req.ID), worker.Payload{RideRequestID: req.ID})
	if err != nil {
		s.Log.WithError(err).WithField("ride_request_id", req.ID).Error("enqueue match job")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "matching queue unavailable", RequestID: requestIDFromContext(r.Context())})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":         "Ride request created. Pool matching in progress.",
		"ride_request_id": req.ID,
		"job_id":          job.ID,
		"status":          req.Status,
	})
}

type cancelResponse struct {
	Message string `json:"message"`
	rebalancer.CancelResult
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RideRequestID string `json:"ride_request_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.RideRequestID == "" {
		s.writeError(w, r, invalid("missing ride_request_id"))
		return
	}
	res, err := s.Cancels.Cancel(r.Context(), body.RideRequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg := "Ride cancelled successfully."
	if res.AlreadyCancelled {
		msg = "Already cancelled"
	} else {
		s.afterCancel(r.Context(), body.RideRequestID, res)
	}
	writeJSON(w, http.StatusOK, cancelResponse{Message: msg, CancelResult: res})
}

// afterCancel releases the payment hold and tells the passenger. Neither
// can undo the committed cancellation, so failures are only logged.
func (s *Server) afterCancel(ctx context.Context, id string, res rebalancer.CancelResult) {
	log := s.Log.WithField("ride_request_id", id)
	if res.PaymentRef != "" && s.Payments != nil {
		if err := s.Payments.Cancel(ctx, res.PaymentRef); err != nil {
			log.WithError(err).Warn("release payment hold")
		}
	}
	if s.Notifier != nil {
		u := models.RideUpdate{RideRequestID: id, Status: models.RequestCancelled, Event: models.EventCancelled, PoolID: res.PoolID, At: time.Now().UTC()}
		if err := s.Notifier.Notify(ctx, u); err != nil {
			log.WithError(err).Warn("notify cancellation")
		}
	}
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRideRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"ride_request_id": req.ID,
		"status":          req.Status,
		"pool_id":         req.PoolID,
		"price":           req.Price,
		"pool":            nil,
	}
	if req.PoolID != nil {
		pool, err := s.Store.GetPool(r.Context(), *req.PoolID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp["pool"] = pool
	}
	writeJSON(w, http.StatusOK, resp)
}

type poolPassengerView struct {
	RideRequestID string           `json:"ride_request_id"`
	PickupOrder   int              `json:"pickup_order"`
	DestAddress   string           `json:"dest_address"`
	DestLat       float64          `json:"dest_lat"`
	DestLng       float64          `json:"dest_lng"`
	LuggageCount  int              `json:"luggage_count"`
	Price         *float64         `json:"price,omitempty"`
	Passenger     models.Passenger `json:"passenger"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pool, err := s.Store.GetPool(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vehicle, err := s.Store.GetVehicle(ctx, pool.VehicleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.Store.ListPoolPassengers(ctx, pool.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	passengers := make([]poolPassengerView, 0, len(rows))
	for _, row := range rows {
		req, err := s.Store.GetRideRequest(ctx, row.RideRequestID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := s.Store.GetPassenger(ctx, req.PassengerID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		passengers = append(passengers, poolPassengerView{
			RideRequestID: req.ID,
			PickupOrder:   row.PickupOrder,
			DestAddress:   req.DestAddress,
			DestLat:       req.DestLat,
			DestLng:       req.DestLng,
			LuggageCount:  req.LuggageCount,
			Price:         req.Price,
			Passenger:     p,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool": pool, "vehicle": vehicle, "passengers": passengers})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("destLat") == "" || q.Get("destLng") == "" {
		s.writeError(w, r, invalid("missing required query params: destLat, destLng"))
		return
	}
	lat, errLat := strconv.ParseFloat(q.Get("destLat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("destLng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, invalid("invalid coordinates"))
		return
	}
	if err := validCoord(lat, lng); err != nil {
		s.writeError(w, r, err)
		return
	}
	pooled := q.Get("isPooled") != "false"
	writeJSON(w, http.StatusOK, s.Pricing.QuoteForDestination(models.Coord{Lat: lat, Lng: lng}, pooled))
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DestLat  *float64 `json:"dest_lat"`
		DestLng  *float64 `json:"dest_lng"`
		IsPooled *bool    `json:"is_pooled"`
		DetourKm float64  `json:"detour_km"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DestLat == nil || body.DestLng == nil {
		s.writeError(w, r, invalid("missing required fields: dest_lat, dest_lng"))
		return
	}
	if err := validCoord(*body.DestLat, *body.DestLng); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DetourKm < 0 {
		s.writeError(w, r, invalid("detour_km must be >= 0"))
		return
	}
	pooled := body.IsPooled == nil || *body.IsPooled
	fare, err := s.Pricing.CalculateForDestination(r.Context(), models.Coord{Lat: *body.DestLat, Lng: *body.DestLng}, pooled, body.DetourKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fare)
}

func (s *Server) handleAvailableVehicles(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		s.writeError(w, r, invalid("limit must be 1-%d", maxPageSize))
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, r, invalid("offset must be >= 0"))
		return
	}
	vehicles, err := s.Store.ListVehiclesByStatus(r.Context(), models.VehicleAvailable, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.Store.CountVehiclesByStatus(r.Context(), models.VehicleAvailable)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.VehiclesAvailable.Set(float64(total))
	if vehicles == nil {
		vehicles = []models.Vehicle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicles":   vehicles,
		"pagination": map[string]int{"total": total, "limit": limit, "offset": offset},
	})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.Health.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

var upgrader = websocket.Upgrader{}

// handleWS streams updates for one ride request. The current status is
// sent as soon as the socket opens.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := s.Store.GetRideRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := s.WS.Add(id, conn)
	defer func() {
		s.WS.Remove(id, session)
		_ = conn.Close()
	}()

	snapshot := models.RideUpdate{RideRequestID: req.ID, Status: req.Status, Event: models.EventStatus, At: time.Now().UTC()}
	if req.PoolID != nil {
		snapshot.PoolID = *req.PoolID
	}
	if req.Price != nil {
		snapshot.Price = *req.Price
	}
	if err := session.Send(snapshot); err != nil {
		return
	}
	// Block until the client goes away; inbound frames are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func validCoord(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) ||
		lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return invalid("invalid coordinates")
	}
	return nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
