package observability

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// Registering twice on the same registry panics.
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_Increment(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	metrics.Increment(ctx, "saga.completed")
	metrics.Increment(ctx, "saga.completed")
	metrics.Increment(ctx, "saga.timeout")
	metrics.Increment(ctx, "outbox.dead_lettered")
	metrics.Increment(ctx, "unknown.thing")
	metrics.Increment(ctx, "saga")
	metrics.Increment(ctx, "saga.")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SagaOutcomesTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SagaOutcomesTotal.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OutboxEventsTotal.WithLabelValues("dead_lettered")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.SagaOutcomesTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.OutboxEventsTotal))
}

func TestMetrics_UpdateDBStats(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.UpdateDBStats(sql.DBStats{InUse: 3, Idle: 2, WaitCount: 7, WaitDuration: 1500 * time.Millisecond})

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DBConnectionsIdle))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.DBConnectionsWaitCount))
	assert.Equal(t, 1.5, testutil.ToFloat64(metrics.DBConnectionsWaitDuration))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/api/v1/orchestrations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodPost)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orchestrations/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoices", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 3.0, testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/orchestrations/{id}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/invoices", "200")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.HTTPRequestsTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.HTTPRequestDuration))
}

func TestRouteLabel_Unmatched(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(httptest.NewRequest(http.MethodGet, "/anything", nil)))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.Increment(context.Background(), "outbox.sent")

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `settle_outbox_events_total{result="sent"} 1`)
}
