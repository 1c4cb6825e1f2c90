package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/saga"
)

// Request headers understood by the API.
const (
	TenantHeader = "X-Tenant-ID"
	// IdempotencyKeyHeader overrides the body idempotency_key when present.
	IdempotencyKeyHeader       = "Idempotency-Key"
	LegacyIdempotencyKeyHeader = "X-Idempotency-Key"
)

// InvoiceRequest is the body of the generate and generate-and-settle endpoints.
type InvoiceRequest struct {
	TenantID         string  `json:"tenant_id"`
	CustomerID       string  `json:"customer_id"`
	BillingPeriod    string  `json:"billing_period"`
	Currency         string  `json:"currency"`
	LineAmountsCents []int64 `json:"line_amounts_cents"`
	IdempotencyKey   string  `json:"idempotency_key,omitempty"`
}

// Validate checks the request fields.
func (r InvoiceRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TenantID, validation.Required),
		validation.Field(&r.CustomerID, validation.Required),
		validation.Field(&r.BillingPeriod, validation.Required),
		validation.Field(&r.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&r.LineAmountsCents, validation.Required, validation.Each(validation.Min(int64(0)))),
		validation.Field(&r.IdempotencyKey, validation.Length(0, 200)),
	)
}

func (r InvoiceRequest) sagaRequest() saga.Request {
	return saga.Request{
		TenantID:         r.TenantID,
		CustomerID:       r.CustomerID,
		BillingPeriod:    r.BillingPeriod,
		Currency:         strings.ToUpper(r.Currency),
		LineAmountsCents: r.LineAmountsCents,
		IdempotencyKey:   r.IdempotencyKey,
	}
}

func (r InvoiceRequest) generateRequest() billing.GenerateRequest {
	return billing.GenerateRequest{
		TenantID:         r.TenantID,
		CustomerID:       r.CustomerID,
		BillingPeriod:    r.BillingPeriod,
		Currency:         strings.ToUpper(r.Currency),
		LineAmountsCents: r.LineAmountsCents,
		IdempotencyKey:   r.IdempotencyKey,
	}
}

// JobRunResponse reports a manually triggered job tick.
type JobRunResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
}
