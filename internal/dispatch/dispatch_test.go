package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/airport-pooling/internal/logging"
	"github.com/example/airport-pooling/internal/models"
)

type recordingNotifier struct {
	got []models.RideUpdate
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, u models.RideUpdate) error {
	n.got = append(n.got, u)
	return n.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingNotifier{err: boom}
	b := &recordingNotifier{}
	u := models.RideUpdate{RideRequestID: "r1", Event: models.EventMatched}

	err := Fanout{a, b}.Notify(context.Background(), u)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := &LogDispatcher{Log: logging.New(&buf, "info")}
	require.NoError(t, d.Notify(context.Background(), models.RideUpdate{RideRequestID: "r1", Event: models.EventCancelled}))
	assert.Contains(t, buf.String(), `"ride_request_id":"r1"`)
	assert.Contains(t, buf.String(), `"event":"CANCELLED"`)
}

// wsPair registers the server side of a websocket under rideID and
// returns the client side.
func wsPair(t *testing.T, reg *WSRegistry, rideID string) (*websocket.Conn, *WSSession) {
	t.Helper()
	sessions := make(chan *WSSession, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessions <- reg.Add(rideID, conn)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case s := <-sessions:
		return client, s
	case <-time.After(2 * time.Second):
		t.Fatal("server never registered the session")
		return nil, nil
	}
}

func TestWSRegistryDeliversUpdates(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	client, _ := wsPair(t, reg, "r1")

	err := reg.Notify(context.Background(), models.RideUpdate{RideRequestID: "r1", Event: models.EventMatched, PoolID: "p1"})
	require.NoError(t, err)

	var got models.RideUpdate
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "p1", got.PoolID)
	assert.Equal(t, models.EventMatched, got.Event)
}

func TestWSRegistryMissingSession(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	u := models.RideUpdate{RideRequestID: "nobody"}
	assert.ErrorIs(t, reg.Send(u), ErrNoSession)
	assert.NoError(t, reg.Notify(context.Background(), u))
}

func TestWSRegistryReplaceAndRemove(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	_, first := wsPair(t, reg, "r1")
	_, second := wsPair(t, reg, "r1")
	assert.Equal(t, 1, reg.Len())

	// removing a replaced session leaves the current one in place
	reg.Remove("r1", first)
	assert.Equal(t, 1, reg.Len())

	reg.Remove("r1", second)
	assert.Zero(t, reg.Len())
}
