package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecorderAcceptsEverything(t *testing.T) {
	r := NewNoopRecorder()

	r.IncCounter("rebinds_total", Labels{"result": "ok"})
	r.SetGauge("tunnel_up", nil, 1)
	r.ObserveHistogram("rebind_duration_seconds", nil, 0.5)
	assert.Nil(t, r.Handler())
}

func TestPrometheusRecorderExposesMetrics(t *testing.T) {
	r := NewPrometheusRecorder()

	r.IncCounter("rebinds_total", Labels{"result": "ok"})
	r.IncCounter("rebinds_total", Labels{"result": "ok"})
	r.IncCounter("rebinds_total", Labels{"result": "error"})
	r.SetGauge("tunnel_up", nil, 1)
	r.ObserveHistogram("rebind_duration_seconds", nil, 0.25)

	handler := r.Handler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `vpnguard_rebinds_total{result="ok"} 2`)
	assert.Contains(t, out, `vpnguard_rebinds_total{result="error"} 1`)
	assert.Contains(t, out, "vpnguard_tunnel_up 1")
	assert.Contains(t, out, "vpnguard_rebind_duration_seconds_count 1")
}

func TestPrometheusRecorderReusesVectors(t *testing.T) {
	// Registering the same name twice would panic in MustRegister; repeated
	// use of one metric must go through the cached vector.
	r := NewPrometheusRecorder()
	assert.NotPanics(t, func() {
		for i := 0; i < 3; i++ {
			r.IncCounter("transitions_total", Labels{"from": "up", "to": "down"})
			r.SetGauge("tunnel_up", nil, float64(i))
		}
	})
}
