package status_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/multiserversync/core/engine"
	"example.com/multiserversync/core/peer"
	"example.com/multiserversync/core/status"
)

type fixedSource struct {
	snapshot engine.Snapshot
}

func (f fixedSource) Snapshot() engine.Snapshot {
	return f.snapshot
}

func testSnapshot() engine.Snapshot {
	return engine.Snapshot{
		Self:        peer.ID{Instance: uuid.New()},
		Synced:      true,
		Time:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Frame:       42,
		Uncertainty: time.Millisecond,
		Peers: []engine.PeerSnapshot{{
			Status:      peer.Active,
			Uncertainty: 2 * time.Millisecond,
		}},
	}
}

func TestStatusJSON(t *testing.T) {
	snap := testSnapshot()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))
	srv := status.NewServer(zaptest.NewLogger(t), fixedSource{snap}, reg, 0)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, true, got["synced"])
	assert.Equal(t, float64(42), got["frame"])
	peers := got["peers"].([]any)
	require.Len(t, peers, 1)
	assert.Equal(t, "active", peers[0].(map[string]any)["status"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/status", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusStream(t *testing.T) {
	snap := testSnapshot()
	srv := status.NewServer(zaptest.NewLogger(t), fixedSource{snap}, nil, 10*time.Millisecond)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	url := "ws://" + ln.Addr().String() + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		var got engine.Snapshot
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, snap.Self.Instance, got.Self.Instance)
		assert.Equal(t, snap.Frame, got.Frame)
		assert.True(t, snap.Time.Equal(got.Time))
	}

	cancel()
	assert.NoError(t, <-done)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}
