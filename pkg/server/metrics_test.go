package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/roomcast/pkg/protocol"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetricsRegisterOnOwnRegistry(t *testing.T) {
	// Two servers in one process must not collide on the default registry
	NewMetrics(newTestRegistry())
	NewMetrics(newTestRegistry())

	reg := newTestRegistry()
	m := NewMetrics(reg)
	m.RecordSessionCreated()
	m.RecordSessionDisconnected("quit")
	m.RecordCommandReceived(protocol.TypeChat)
	m.RecordLedgerOperation("deposit", "ok")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		names[f.GetName()] = f
	}
	require.Contains(t, names, "roomcast_sessions_created_total")
	require.Contains(t, names, "roomcast_commands_received_total")

	cmds := names["roomcast_commands_received_total"].GetMetric()
	require.Len(t, cmds, 1)
	assert.Equal(t, "CHAT", cmds[0].GetLabel()[0].GetValue())
	assert.Equal(t, 1.0, counterValue(t, m.sessionsCreated))
}

func TestMessageTypeToString(t *testing.T) {
	assert.Equal(t, "HELLO", messageTypeToString(protocol.TypeHello))
	assert.Equal(t, "UPLOAD_RESULT", messageTypeToString(protocol.TypeUploadResult))
	assert.Equal(t, "UNKNOWN", messageTypeToString(0xEE))
}
