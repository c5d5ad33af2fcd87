package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestBroker spins up an in-process MQTT broker on the given address.
// The inline client is enabled so tests can publish through the broker
// directly.
func startTestBroker(t *testing.T, addr string) *mochi.Server {
	t.Helper()

	broker := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))

	cfg := listeners.Config{
		Type:    "tcp",
		Address: addr,
	}
	require.NoError(t, broker.AddListener(listeners.NewTCP(cfg)))
	require.NoError(t, broker.Serve())

	t.Cleanup(func() {
		_ = broker.Close()
	})

	return broker
}

func TestMQTTSourceReceivesPublishedMessages(t *testing.T) {
	broker := startTestBroker(t, "localhost:18931")

	src := NewMQTTSource(MQTTConfig{
		Broker:   "tcp://localhost:18931",
		ClientID: "relay-test",
	}, []string{"sensors/+/telemetry"}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := src.Subscribe(ctx)
	require.NoError(t, err)
	defer src.Shutdown()

	payload := []byte(`{"temperature": 21.5, "humidity": 40}`)
	require.NoError(t, broker.Publish("sensors/lab/telemetry", payload, false, 0))

	select {
	case msg := <-messages:
		assert.Equal(t, "sensors/lab/telemetry", msg.Topic)
		assert.Equal(t, payload, msg.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMQTTSourceFiltersTopics(t *testing.T) {
	broker := startTestBroker(t, "localhost:18932")

	src := NewMQTTSource(MQTTConfig{
		Broker:   "tcp://localhost:18932",
		ClientID: "relay-test-filter",
	}, []string{"sensors/+/telemetry"}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := src.Subscribe(ctx)
	require.NoError(t, err)
	defer src.Shutdown()

	require.NoError(t, broker.Publish("other/lab/telemetry", []byte(`{"temperature": 99}`), false, 0))
	require.NoError(t, broker.Publish("sensors/lab/telemetry", []byte(`{"temperature": 20, "humidity": 40}`), false, 0))

	select {
	case msg := <-messages:
		assert.Equal(t, "sensors/lab/telemetry", msg.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMQTTSourceBareAddress(t *testing.T) {
	broker := startTestBroker(t, "localhost:18933")

	src := NewMQTTSource(MQTTConfig{
		Broker:   "localhost:18933",
		ClientID: "relay-test-bare",
	}, []string{"sensors/telemetry"}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := src.Subscribe(ctx)
	require.NoError(t, err)
	defer src.Shutdown()

	require.NoError(t, broker.Publish("sensors/telemetry", []byte(`{"temperature": 18, "humidity": 45}`), false, 0))

	select {
	case msg := <-messages:
		assert.Equal(t, "sensors/telemetry", msg.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMQTTSourceIgnoresStaleSessionErrors(t *testing.T) {
	startTestBroker(t, "localhost:18934")

	src := NewMQTTSource(MQTTConfig{
		Broker:   "tcp://localhost:18934",
		ClientID: "relay-test-stale",
	}, []string{"sensors/telemetry"}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := src.Subscribe(ctx)
	require.NoError(t, err)
	defer src.Shutdown()

	first := src.currentClient()
	require.NotNil(t, first)

	// A dying connection reports more than one error. The first one drives
	// the redial.
	src.reportError(first, errors.New("read: connection reset by peer"))

	require.Eventually(t, func() bool {
		return src.currentClient() != first
	}, 5*time.Second, 10*time.Millisecond)
	replacement := src.currentClient()

	// The second error belongs to the replaced session and must not tear
	// down the session that took its place.
	src.reportError(first, errors.New("ping: connection reset by peer"))

	assert.Never(t, func() bool {
		return src.currentClient() != replacement
	}, 500*time.Millisecond, 20*time.Millisecond)
}

func TestMQTTSourceNoReconnectAfterShutdown(t *testing.T) {
	startTestBroker(t, "localhost:18935")

	src := NewMQTTSource(MQTTConfig{
		Broker:   "tcp://localhost:18935",
		ClientID: "relay-test-shutdown",
	}, []string{"sensors/telemetry"}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := src.Subscribe(ctx)
	require.NoError(t, err)

	current := src.currentClient()
	require.NoError(t, src.Shutdown())

	// A redial racing the shutdown must refuse to dial a new session.
	require.Error(t, src.connect(ctx))
	assert.Same(t, current, src.currentClient())
}

func TestMQTTSourceRejectsBadScheme(t *testing.T) {
	src := NewMQTTSource(MQTTConfig{
		Broker:   "gopher://localhost:1883",
		ClientID: "relay-test-scheme",
	}, []string{"sensors/telemetry"}, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := src.Subscribe(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported broker scheme")
}
