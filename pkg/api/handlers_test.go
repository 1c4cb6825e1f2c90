package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/httputil"
	"github.com/platinummonkey/settle/pkg/jobs"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/saga"
	"github.com/platinummonkey/settle/pkg/storage/memory"
)

type mockOrchestrations struct {
	startFn func(ctx context.Context, req saga.Request) (*saga.Result, error)
	getFn   func(ctx context.Context, key saga.Key) (*saga.OrchestrationRecord, error)
}

func (m *mockOrchestrations) StartOrGetSaga(ctx context.Context, req saga.Request) (*saga.Result, error) {
	return m.startFn(ctx, req)
}

func (m *mockOrchestrations) Get(ctx context.Context, key saga.Key) (*saga.OrchestrationRecord, error) {
	return m.getFn(ctx, key)
}

type mockJobs struct {
	ran   []string
	runFn func(ctx context.Context, name string) error
}

func (m *mockJobs) RunNow(ctx context.Context, name string) error {
	m.ran = append(m.ran, name)
	if m.runFn != nil {
		return m.runFn(ctx, name)
	}
	return nil
}

const validBody = `{"tenant_id":"tenant-a","customer_id":"cust-1","billing_period":"2026-09","currency":"usd","line_amounts_cents":[1000,2500],"idempotency_key":"body-key"}`

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestGenerateAndSettle_RequestHandling(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		headers    map[string]string
		wantStatus int
		wantCalled bool
		check      func(t *testing.T, req saga.Request)
	}{
		{
			name:       "accepted",
			body:       validBody,
			wantStatus: http.StatusAccepted,
			wantCalled: true,
			check: func(t *testing.T, req saga.Request) {
				assert.Equal(t, "tenant-a", req.TenantID)
				assert.Equal(t, "USD", req.Currency)
				assert.Equal(t, "body-key", req.IdempotencyKey)
				assert.Equal(t, []int64{1000, 2500}, req.LineAmountsCents)
			},
		},
		{
			name:       "header key wins over body",
			body:       validBody,
			headers:    map[string]string{IdempotencyKeyHeader: "header-key"},
			wantStatus: http.StatusAccepted,
			wantCalled: true,
			check: func(t *testing.T, req saga.Request) {
				assert.Equal(t, "header-key", req.IdempotencyKey)
			},
		},
		{
			name:       "legacy header key",
			body:       validBody,
			headers:    map[string]string{LegacyIdempotencyKeyHeader: "legacy-key"},
			wantStatus: http.StatusAccepted,
			wantCalled: true,
			check: func(t *testing.T, req saga.Request) {
				assert.Equal(t, "legacy-key", req.IdempotencyKey)
			},
		},
		{
			name:       "matching tenant header",
			body:       validBody,
			headers:    map[string]string{TenantHeader: "tenant-a"},
			wantStatus: http.StatusAccepted,
			wantCalled: true,
		},
		{
			name:       "tenant header fills blank body tenant",
			body:       strings.Replace(validBody, `"tenant_id":"tenant-a"`, `"tenant_id":""`, 1),
			headers:    map[string]string{TenantHeader: "tenant-h"},
			wantStatus: http.StatusAccepted,
			wantCalled: true,
			check: func(t *testing.T, req saga.Request) {
				assert.Equal(t, "tenant-h", req.TenantID)
			},
		},
		{
			name:       "tenant mismatch",
			body:       validBody,
			headers:    map[string]string{TenantHeader: "tenant-b"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "invalid json",
			body:       `{"tenant_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing currency",
			body:       strings.Replace(validBody, `"currency":"usd"`, `"currency":""`, 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative line amount",
			body:       strings.Replace(validBody, `[1000,2500]`, `[1000,-1]`, 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no lines",
			body:       strings.Replace(validBody, `[1000,2500]`, `[]`, 1),
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *saga.Request
			orch := &mockOrchestrations{startFn: func(_ context.Context, req saga.Request) (*saga.Result, error) {
				got = &req
				return &saga.Result{OrchestrationID: "ORCH-1", Status: saga.StatusInvoiceGenerated}, nil
			}}
			srv := NewServer(orch, billing.NewService(billing.NewMemoryRepository(), nil, nil))

			w := do(t, srv, http.MethodPost, "/api/v1/invoices/generate-and-settle", tt.body, tt.headers)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCalled, got != nil)
			if tt.check != nil && got != nil {
				tt.check(t, *got)
			}
		})
	}
}

func TestGenerateAndSettle_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantID     string
	}{
		{
			name:       "invalid request",
			err:        fmt.Errorf("%w: currency: the length must be exactly 3", saga.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "invoice generation failed",
			err: &saga.StepError{
				OrchestrationID: "ORCH-9",
				Reason:          saga.ReasonInvoiceGenerationFailed,
				Err:             errors.New("repository down"),
			},
			wantStatus: http.StatusBadGateway,
			wantID:     "ORCH-9",
		},
		{
			name:       "store failure",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &mockOrchestrations{startFn: func(context.Context, saga.Request) (*saga.Result, error) {
				return nil, tt.err
			}}
			srv := NewServer(orch, billing.NewService(billing.NewMemoryRepository(), nil, nil))

			w := do(t, srv, http.MethodPost, "/api/v1/invoices/generate-and-settle", validBody, nil)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w)
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tt.wantID, body.Details["orchestration_id"])
		})
	}
}

func TestGenerateInvoice(t *testing.T) {
	invoices := billing.NewService(billing.NewMemoryRepository(), nil, nil)
	srv := NewServer(&mockOrchestrations{}, invoices)

	first := do(t, srv, http.MethodPost, "/api/v1/invoices/generate", validBody, nil)
	second := do(t, srv, http.MethodPost, "/api/v1/invoices/generate", validBody, nil)

	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	var a, b billing.Invoice
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, int64(3500), a.TotalCents)
	assert.Equal(t, "USD", a.Currency)
	assert.Equal(t, a.InvoiceID, b.InvoiceID)

	got := do(t, srv, http.MethodGet, "/api/v1/invoices/"+a.InvoiceID, "", nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Contains(t, got.Body.String(), a.InvoiceID)

	missing := do(t, srv, http.MethodGet, "/api/v1/invoices/INV-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestGetOrchestration(t *testing.T) {
	var requested saga.Key
	orch := &mockOrchestrations{getFn: func(_ context.Context, key saga.Key) (*saga.OrchestrationRecord, error) {
		requested = key
		if key.TenantID != "tenant-a" {
			return nil, saga.ErrNotFound
		}
		return &saga.OrchestrationRecord{OrchestrationID: "ORCH-1", Key: key, Status: saga.StatusPaymentCompleted}, nil
	}}
	srv := NewServer(orch, billing.NewService(billing.NewMemoryRepository(), nil, nil))

	w := do(t, srv, http.MethodGet, "/api/v1/tenants/tenant-a/orchestrations/key-1", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, saga.KeyFor("tenant-a", "tenant-a:INVOICE_GENERATE_AND_SETTLE:key-1"), requested)
	var rec saga.OrchestrationRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, saga.StatusPaymentCompleted, rec.Status)

	missing := do(t, srv, http.MethodGet, "/api/v1/tenants/tenant-b/orchestrations/key-1", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestSystemEndpoints(t *testing.T) {
	t.Run("runs jobs", func(t *testing.T) {
		runner := &mockJobs{}
		srv := NewServer(&mockOrchestrations{}, nil, WithJobs(runner))

		outbox := do(t, srv, http.MethodPost, "/api/v1/system/outbox/publish", "", nil)
		timeouts := do(t, srv, http.MethodPost, "/api/v1/system/timeouts/scan", "", nil)

		assert.Equal(t, http.StatusOK, outbox.Code)
		assert.Equal(t, http.StatusOK, timeouts.Code)
		assert.Equal(t, []string{jobs.OutboxPublisherJob, jobs.TimeoutWatcherJob}, runner.ran)
		assert.Contains(t, outbox.Body.String(), `"status":"completed"`)
	})

	t.Run("job failure", func(t *testing.T) {
		runner := &mockJobs{runFn: func(context.Context, string) error { return errors.New("broker down") }}
		srv := NewServer(&mockOrchestrations{}, nil, WithJobs(runner))

		w := do(t, srv, http.MethodPost, "/api/v1/system/outbox/publish", "", nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "broker down", decodeError(t, w).Error)
	})

	t.Run("job not registered", func(t *testing.T) {
		runner := &mockJobs{runFn: func(_ context.Context, name string) error {
			return fmt.Errorf("%w: %s", jobs.ErrUnknownJob, name)
		}}
		srv := NewServer(&mockOrchestrations{}, nil, WithJobs(runner))

		w := do(t, srv, http.MethodPost, "/api/v1/system/timeouts/scan", "", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("no scheduler", func(t *testing.T) {
		srv := NewServer(&mockOrchestrations{}, nil)

		w := do(t, srv, http.MethodPost, "/api/v1/system/outbox/publish", "", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestServer_Middleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	srv := NewServer(&mockOrchestrations{}, billing.NewService(billing.NewMemoryRepository(), nil, nil),
		WithMetrics(metrics), WithMaxBodyBytes(64))

	t.Run("request id echoed", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/v1/invoices/INV-1", "", map[string]string{httputil.RequestIDHeader: "req-7"})
		assert.Equal(t, "req-7", w.Header().Get(httputil.RequestIDHeader))
	})

	t.Run("route metrics", func(t *testing.T) {
		count, err := testutil.GatherAndCount(registry, "settle_http_requests_total")
		require.NoError(t, err)
		assert.Positive(t, count)
	})

	t.Run("unknown route", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/v1/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/v1/invoices/generate", validBody, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices/generate", strings.NewReader("x"))
		req.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGenerateAndSettle_WithOrchestrator(t *testing.T) {
	store := memory.New()
	invoices := billing.NewService(billing.NewMemoryRepository(), nil, nil)
	srv := NewServer(saga.NewOrchestrator(store, invoices), invoices)

	first := do(t, srv, http.MethodPost, "/api/v1/invoices/generate-and-settle", validBody, nil)
	replay := do(t, srv, http.MethodPost, "/api/v1/invoices/generate-and-settle", validBody, nil)

	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	var a, b saga.Result
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(replay.Body.Bytes(), &b))
	assert.Equal(t, saga.StatusInvoiceGenerated, a.Status)
	require.NotNil(t, a.Invoice)
	assert.Equal(t, int64(3500), a.Invoice.TotalCents)
	assert.Equal(t, a.OrchestrationID, b.OrchestrationID)
	assert.Len(t, store.OutboxEvents(a.OrchestrationID), 1)

	rec := do(t, srv, http.MethodGet, "/api/v1/tenants/tenant-a/orchestrations/body-key", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), a.OrchestrationID)
}
