package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionMetrics(t *testing.T) {
	t.Run("SessionsTotal", func(t *testing.T) {
		before := testutil.ToFloat64(SessionsTotal.WithLabelValues("cuda", "success"))
		SessionsTotal.WithLabelValues("cuda", "success").Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(SessionsTotal.WithLabelValues("cuda", "success")))
	})

	t.Run("SessionSpeedup", func(t *testing.T) {
		SessionSpeedup.WithLabelValues("cpu").Set(3.5)
		assert.Equal(t, 3.5, testutil.ToFloat64(SessionSpeedup.WithLabelValues("cpu")))
	})

	t.Run("SessionDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			SessionDuration.WithLabelValues("metal").Observe(12.5)
		})
	})

	t.Run("DetectedDevices", func(t *testing.T) {
		DetectedDevices.Set(3)
		assert.Equal(t, float64(3), testutil.ToFloat64(DetectedDevices))
	})

	t.Run("FailuresTotal", func(t *testing.T) {
		before := testutil.ToFloat64(FailuresTotal.WithLabelValues("driver-missing", "advance-chain"))
		FailuresTotal.WithLabelValues("driver-missing", "advance-chain").Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(FailuresTotal.WithLabelValues("driver-missing", "advance-chain")))
	})
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		DetectionDuration,
		DetectionFailures,
		DetectedDevices,
		ActiveSessions,
		SessionsTotal,
		SessionDuration,
		SessionSpeedup,
		SessionPeakMemoryBytes,
		FailuresTotal,
		RequestsTotal,
		HTTPResponses,
		HTTPDuration,
		HTTPInFlight,
	}

	for _, c := range collectors {
		// Registering an already registered collector must fail.
		err := prometheus.Register(c)
		assert.Error(t, err)
	}
}

func TestMiddleware(t *testing.T) {
	var inFlight float64
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight = testutil.ToFloat64(HTTPInFlight.WithLabelValues("/v1/test"))
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}), "/v1/test")

	tests := []struct {
		method string
		status int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodPost, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			code := strconv.Itoa(tt.status)
			before := testutil.ToFloat64(HTTPResponses.WithLabelValues("/v1/test", tt.method, code))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, "/v1/test", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, before+1, testutil.ToFloat64(HTTPResponses.WithLabelValues("/v1/test", tt.method, code)))
			assert.Equal(t, float64(1), inFlight)
			assert.Equal(t, float64(0), testutil.ToFloat64(HTTPInFlight.WithLabelValues("/v1/test")))
		})
	}
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("ObserveDuration", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			SessionDuration.WithLabelValues("cpu").Observe(float64(i % 1000))
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			SessionsTotal.WithLabelValues("cpu", "success").Inc()
		}
	})
}
