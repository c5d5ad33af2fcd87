package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(data, &f))

	return f
}

func TestWebSocketSubscriberReceivesSnapshotAndBroadcasts(t *testing.T) {
	b, store, _, _ := newTestBroadcaster(t)
	store.Update(reading(22.5))

	srv := httptest.NewServer(WSHandler(b, testLogger(t)))
	defer srv.Close()

	conn := dialTestWS(t, srv.URL)

	f := readWSFrame(t, conn)
	assert.Equal(t, EventSensorUpdate, f.Event)

	var r Reading
	require.NoError(t, json.Unmarshal(f.Data, &r))
	assert.Equal(t, 22.5, r.Temperature)

	require.Eventually(t, func() bool { return b.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Broadcast(UpdateEvent(reading(23.1)))

	f = readWSFrame(t, conn)
	assert.Equal(t, EventSensorUpdate, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &r))
	assert.Equal(t, 23.1, r.Temperature)
}

func TestWebSocketAlertNoticeOnConnect(t *testing.T) {
	b, store, alarm, _ := newTestBroadcaster(t)
	store.Update(reading(35))
	_, triggered := alarm.Observe(reading(35))
	require.True(t, triggered)

	srv := httptest.NewServer(WSHandler(b, testLogger(t)))
	defer srv.Close()

	conn := dialTestWS(t, srv.URL)

	f := readWSFrame(t, conn)
	assert.Equal(t, EventSensorUpdate, f.Event)

	f = readWSFrame(t, conn)
	assert.Equal(t, EventAlert, f.Event)

	var notice AlertNotice
	require.NoError(t, json.Unmarshal(f.Data, &notice))
	assert.Contains(t, notice.Message, "35")
}

func TestWebSocketDisconnectDeregisters(t *testing.T) {
	b, _, _, _ := newTestBroadcaster(t)

	srv := httptest.NewServer(WSHandler(b, testLogger(t)))
	defer srv.Close()

	conn := dialTestWS(t, srv.URL)
	require.Eventually(t, func() bool { return b.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	b, _, _, _ := newTestBroadcaster(t)

	srv := httptest.NewServer(WSHandler(b, testLogger(t)))
	defer srv.Close()

	dialTestWS(t, srv.URL)
	require.Eventually(t, func() bool { return b.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Push far more frames than the subscriber buffer holds without reading
	// any of them; broadcasts must keep returning promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBufferSize*4; i++ {
			b.Broadcast(UpdateEvent(reading(float64(i))))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}
