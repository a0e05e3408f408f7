package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"CDPLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("verbose"))
}

func TestNewLoggerTo_WritesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "engine", zerolog.InfoLevel)
	logger.Info().Msg("hello")
	logger.Debug().Msg("filtered")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "hello", line["message"])
	assert.NotContains(t, buf.String(), "filtered")
}

func TestNewMetricsWith_IsolatedRegistries(t *testing.T) {
	m1 := observability.NewMetricsWith(prometheus.NewRegistry())
	m2 := observability.NewMetricsWith(prometheus.NewRegistry())

	m1.OperationsApplied.WithLabelValues("mint").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.OperationsApplied.WithLabelValues("mint")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.OperationsApplied.WithLabelValues("mint")))
}

func TestSetChannelMetrics(t *testing.T) {
	m := observability.NewMetricsWith(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 256, 1024)
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")), 1e-9)
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before recovery")

	h.SetReady(true)
	h.AddCheck("postgres", func(context.Context) error { return nil })

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("nats", func(context.Context) error { return errors.New("disconnected") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
