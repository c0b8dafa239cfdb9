package observability_test

import (
	"Bastion/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, observability.ParseLogLevel(in), "level %q", in)
	}
}

func TestNewLoggerTo_ComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "engine", zerolog.WarnLevel)

	logger.Info().Msg("dropped")
	logger.Warn().Int64("sequence", 7).Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, float64(7), line["sequence"])
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()
	failing := errors.New("connection refused")
	var dbErr error
	h.AddCheck("event_log", func(context.Context) error { return dbErr })

	get := func() (int, map[string]any) {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body
	}

	code, body := get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])

	h.SetReady(true)
	code, body = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	dbErr = failing
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"event_log": "connection refused"}, body["failed"])
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}

func TestMetrics_ChannelUtilization(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 25, 100)

	assert.Equal(t, float64(25), testutil.ToFloat64(m.ChannelSize.WithLabelValues("persist")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.ChannelCapacity.WithLabelValues("persist")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// Two instances on distinct registries must not collide.
	a := observability.NewMetrics(prometheus.NewRegistry())
	b := observability.NewMetrics(prometheus.NewRegistry())
	a.KeeperScans.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.KeeperScans))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.KeeperScans))
}
