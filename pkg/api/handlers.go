package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/httputil"
	"github.com/platinummonkey/settle/pkg/idempotency"
	"github.com/platinummonkey/settle/pkg/jobs"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/saga"
)

// generateInvoice handles POST /api/v1/invoices/generate
func (s *Server) generateInvoice(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseInvoiceRequest(w, r)
	if !ok {
		return
	}

	invoice, err := s.invoices.Generate(r.Context(), req.generateRequest())
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("invoice_generation_failed")
		httputil.WriteInternalError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusAccepted, invoice)
}

// generateAndSettle handles POST /api/v1/invoices/generate-and-settle
func (s *Server) generateAndSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseInvoiceRequest(w, r)
	if !ok {
		return
	}

	res, err := s.orchestrations.StartOrGetSaga(r.Context(), req.sagaRequest())
	if err != nil {
		s.writeSagaError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusAccepted, res)
}

// getInvoice handles GET /api/v1/invoices/{invoice_id}
func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := httputil.ParsePathStringOrError(w, r, "invoice_id")
	if !ok {
		return
	}

	invoice, err := s.invoices.FindByID(r.Context(), invoiceID)
	if err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			httputil.WriteNotFound(w, "invoice not found: "+invoiceID)
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, invoice)
}

// getOrchestration handles GET /api/v1/tenants/{tenant_id}/orchestrations/{idempotency_key}
func (s *Server) getOrchestration(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}
	key, ok := httputil.ParsePathStringOrError(w, r, "idempotency_key")
	if !ok {
		return
	}

	composite := idempotency.Composite(tenantID, idempotency.OperationInvoiceGenerateAndSettle, key)
	rec, err := s.orchestrations.Get(r.Context(), saga.KeyFor(tenantID, composite))
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			httputil.WriteNotFound(w, "orchestration not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, rec)
}

// runJob handles the POST /api/v1/system endpoints
func (s *Server) runJob(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jobs == nil {
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "jobs are not running in this process")
			return
		}
		if err := s.jobs.RunNow(r.Context(), name); err != nil {
			if errors.Is(err, jobs.ErrUnknownJob) {
				httputil.WriteNotFound(w, err.Error())
				return
			}
			observability.FromContext(r.Context()).WithError(err).WithField("job", name).Error("job_run_failed")
			httputil.WriteInternalError(w, err)
			return
		}
		_ = httputil.WriteJSON(w, http.StatusOK, JobRunResponse{Job: name, Status: "completed"})
	}
}

// parseInvoiceRequest decodes and validates the body, applying the tenant and
// idempotency headers.
func (s *Server) parseInvoiceRequest(w http.ResponseWriter, r *http.Request) (InvoiceRequest, bool) {
	var req InvoiceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return req, false
	}

	if tenant := strings.TrimSpace(r.Header.Get(TenantHeader)); tenant != "" {
		if req.TenantID == "" {
			req.TenantID = tenant
		} else if req.TenantID != tenant {
			httputil.WriteConflict(w, "tenant_id does not match "+TenantHeader)
			return req, false
		}
	}
	if key := idempotencyKeyFromHeaders(r); key != "" {
		req.IdempotencyKey = key
	}

	if err := req.Validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return req, false
	}
	return req, true
}

func idempotencyKeyFromHeaders(r *http.Request) string {
	for _, h := range []string{IdempotencyKeyHeader, LegacyIdempotencyKeyHeader} {
		if key := strings.TrimSpace(r.Header.Get(h)); key != "" {
			return key
		}
	}
	return ""
}

func (s *Server) writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	var stepErr *saga.StepError
	switch {
	case errors.Is(err, saga.ErrInvalidRequest):
		httputil.WriteError(w, http.StatusBadRequest, err)
	case errors.As(err, &stepErr):
		httputil.WriteDetailedError(w, http.StatusBadGateway, err, map[string]string{
			"orchestration_id": stepErr.OrchestrationID,
			"reason":           stepErr.Reason,
		})
	default:
		observability.FromContext(r.Context()).WithError(err).Error("orchestration_start_failed")
		httputil.WriteInternalError(w, err)
	}
}
