package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue reads one counter (optionally filtered by a single label
// value) back out of the registry.
func counterValue(t *testing.T, m *Metrics, name, labelValue string) float64 {
	t.Helper()
	families, err := m.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelValue == "" {
				return metric.GetCounter().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == labelValue {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCountersRoundTrip(t *testing.T) {
	m := New()

	m.ConnectionsTotal.Inc()
	m.ConnectionsTotal.Inc()
	m.DroppedTotal.WithLabelValues("acked").Inc()
	m.DroppedTotal.WithLabelValues("expired").Inc()
	m.DroppedTotal.WithLabelValues("expired").Inc()
	m.StorageErrors.WithLabelValues("save_message").Inc()

	assert.Equal(t, float64(2), counterValue(t, m, "fastport_connections_total", ""))
	assert.Equal(t, float64(1), counterValue(t, m, "fastport_messages_dropped_total", "acked"))
	assert.Equal(t, float64(2), counterValue(t, m, "fastport_messages_dropped_total", "expired"))
	assert.Equal(t, float64(1), counterValue(t, m, "fastport_storage_errors_total", "save_message"))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.MessagesCached.Set(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "fastport_messages_cached 7"), body)
}
