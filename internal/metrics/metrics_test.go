// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherByName(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}
	return byName
}

func TestInstrumentsRegistered(t *testing.T) {
	PollCycles.Inc()
	BridgedMessages.WithLabelValues(DirectionTwitterToMatrix, "ok").Inc()
	Transactions.WithLabelValues("ok").Inc()

	byName := gatherByName(t)

	cycles, ok := byName["twidm_poll_cycles_total"]
	require.True(t, ok, "poll cycle counter not registered")
	assert.Equal(t, dto.MetricType_COUNTER, cycles.GetType())
	assert.GreaterOrEqual(t, cycles.GetMetric()[0].GetCounter().GetValue(), 1.0)

	users, ok := byName["twidm_connected_users"]
	require.True(t, ok, "connected users gauge not registered")
	assert.Equal(t, dto.MetricType_GAUGE, users.GetType())
}

func TestBridgedMessagesLabels(t *testing.T) {
	BridgedMessages.WithLabelValues(DirectionMatrixToTwitter, "error").Inc()

	byName := gatherByName(t)
	fam, ok := byName["twidm_bridged_messages_total"]
	require.True(t, ok)

	var directions []string
	for _, m := range fam.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "direction" {
				directions = append(directions, label.GetValue())
			}
		}
	}
	assert.Contains(t, directions, DirectionMatrixToTwitter)
}
