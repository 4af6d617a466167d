package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ConsolLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecker_DependencyFailureDegradesReadiness(t *testing.T) {
	h := observability.NewHealthChecker()
	var natsDown error
	h.AddCheck("postgres", func(context.Context) error { return nil })
	h.AddCheck("nats", func(context.Context) error { return natsDown })
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	natsDown = errors.New("nats RECONNECTING")
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"nats": "nats RECONNECTING"}, body.Dependencies)
	assert.True(t, h.IsReady(), "recovery state is unaffected")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, observability.ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLevel("verbose"))
}

func TestMetrics_ChannelUtilization(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())

	m.SetChannelMetrics("persist", 256, 1024)
	assert.Equal(t, 256.0, testutil.ToFloat64(m.ChannelSize.WithLabelValues("persist")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.ChannelCapacity.WithLabelValues("persist")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))

	// zero capacity leaves utilization untouched
	m.SetChannelMetrics("unbuffered", 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("unbuffered")))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		observability.NewMetrics(prometheus.NewRegistry())
		observability.NewMetrics(prometheus.NewRegistry())
	})
}
