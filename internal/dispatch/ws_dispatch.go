package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
)

const writeWait = 5 * time.Second

// WSSession is a passenger's connection for one ride request.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(u models.RideUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(u)
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return s.conn.Close()
}

// WSRegistry holds at most one session per ride request. A newer
// connection for the same ride replaces the older one.
type WSRegistry struct {
	log      *logrus.Logger
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry(log *logrus.Logger) *WSRegistry {
	return &WSRegistry{log: log, sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(rideRequestID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old, replaced := r.sessions[rideRequestID]
	r.sessions[rideRequestID] = s
	r.mu.Unlock()

	if replaced {
		_ = old.Close()
	} else {
		observability.WSSessions.Inc()
	}
	return s
}

// Remove drops s if it is still the registered session for the ride.
func (r *WSRegistry) Remove(rideRequestID string, s *WSSession) {
	r.mu.Lock()
	cur, ok := r.sessions[rideRequestID]
	if ok && cur == s {
		delete(r.sessions, rideRequestID)
	}
	r.mu.Unlock()
	if ok && cur == s {
		observability.WSSessions.Dec()
	}
}

// Send pushes u to the ride's session, or returns ErrNoSession.
func (r *WSRegistry) Send(u models.RideUpdate) error {
	r.mu.RLock()
	s, ok := r.sessions[u.RideRequestID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(u); err != nil {
		r.log.WithError(err).WithField("ride_request_id", u.RideRequestID).Warn("ws send error")
		r.Remove(u.RideRequestID, s)
		_ = s.conn.Close()
		return err
	}
	return nil
}

// Notify is Send for passengers who may not be connected: a missing
// session is not an error.
func (r *WSRegistry) Notify(_ context.Context, u models.RideUpdate) error {
	if err := r.Send(u); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
