package billing

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrInvoiceNotFound is returned when an invoice does not exist.
var ErrInvoiceNotFound = errors.New("invoice not found")

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusGenerated InvoiceStatus = "GENERATED"
)

// InvoiceIDPrefix prefixes generated invoice identifiers.
const InvoiceIDPrefix = "INV-"

// Invoice represents a generated invoice
type Invoice struct {
	InvoiceID      string        `json:"invoice_id"`
	TenantID       string        `json:"tenant_id"`
	CustomerID     string        `json:"customer_id"`
	BillingPeriod  string        `json:"billing_period"`
	TotalCents     int64         `json:"total_cents"`
	Currency       string        `json:"currency"`
	Status         InvoiceStatus `json:"status"`
	IdempotencyKey string        `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
}

// GenerateRequest describes the invoice to generate
type GenerateRequest struct {
	TenantID         string  `json:"tenant_id"`
	CustomerID       string  `json:"customer_id"`
	BillingPeriod    string  `json:"billing_period"`
	Currency         string  `json:"currency"`
	LineAmountsCents []int64 `json:"line_amounts_cents"`
	IdempotencyKey   string  `json:"idempotency_key,omitempty"`
}

// Validate checks the request fields
func (r GenerateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TenantID, validation.Required),
		validation.Field(&r.CustomerID, validation.Required),
		validation.Field(&r.BillingPeriod, validation.Required),
		validation.Field(&r.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&r.LineAmountsCents, validation.Required, validation.Each(validation.Min(int64(0)))),
	)
}

// Total sums the line amounts
func (r GenerateRequest) Total() int64 {
	var total int64
	for _, cents := range r.LineAmountsCents {
		total += cents
	}
	return total
}
