package chatsync

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.frameReceived("MESSAGE")
	m.decodeError("message")
	m.reconnectAttempt()
	m.connectionState(StateConnected)
	m.send(true)
	m.push(false)
}

func TestMetricsConnectionState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.connectionState(StateConnecting)
	m.connectionState(StateConnected)

	expected := `
# HELP chatsync_connection_state Current connection state.
# TYPE chatsync_connection_state gauge
chatsync_connection_state{state="connected"} 1
chatsync_connection_state{state="connecting"} 0
chatsync_connection_state{state="disconnected"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chatsync_connection_state"))
}

func TestMetricsCountsConnectionTraffic(t *testing.T) {
	b := startBroker(t)
	reg := prometheus.NewRegistry()
	cfg := testRealtime(b)
	cfg.Metrics = NewMetrics(reg)
	conn := connectTest(t, cfg, Identity{UserID: "1"})

	_, err := conn.Subscribe(RoomTopic(1), func(string, []byte) {})
	require.NoError(t, err)
	eventually(t, func() bool { return b.Subscriptions(RoomTopic(1)) == 1 }, "attached")
	b.Publish(RoomTopic(1), []byte(`{}`))

	eventually(t, func() bool {
		return testutil.ToFloat64(cfg.Metrics.FramesReceived.WithLabelValues("MESSAGE")) == 1
	}, "frame counted")

	epoch := conn.Epoch()
	b.DropAll()
	eventually(t, func() bool { return conn.Epoch() > epoch }, "reconnected")
	assert.GreaterOrEqual(t, testutil.ToFloat64(cfg.Metrics.ReconnectAttempts), 1.0)
}
