package idempotency

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Operation codes used when composing deduplication keys.
const (
	OperationInvoiceGenerateAndSettle = "INVOICE_GENERATE_AND_SETTLE"
	OperationInvoiceGenerate          = "INVOICE_GENERATE"
	OperationPaymentProcess           = "PAYMENT_PROCESS"
	OperationSettlementStart          = "SETTLEMENT_START"
)

// fallbackPrefix is prepended to keys derived from request contents.
const fallbackPrefix = "invoice-orchestration-"

// namespace scopes fallback UUIDs so they never collide with caller-generated ones.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/platinummonkey/settle/idempotency"))

// Fingerprint holds the request fields that make two submissions the same logical request.
type Fingerprint struct {
	TenantID      string
	CustomerID    string
	BillingPeriod string
	Currency      string
	// LineAmountsCents are kept in submission order; reordering produces a different key.
	LineAmountsCents []int64
}

// Composite joins tenant, operation and key into the store-level deduplication key.
func Composite(tenantID, operationCode, key string) string {
	return tenantID + ":" + operationCode + ":" + key
}

// Fallback derives a deterministic key from the fingerprint.
func Fallback(fp Fingerprint) string {
	amounts := make([]string, len(fp.LineAmountsCents))
	for i, cents := range fp.LineAmountsCents {
		amounts[i] = FormatCents(cents)
	}
	raw := strings.Join([]string{
		fp.TenantID,
		fp.CustomerID,
		fp.BillingPeriod,
		fp.Currency,
		strings.Join(amounts, ","),
	}, "|")
	return fallbackPrefix + uuid.NewSHA1(namespace, []byte(raw)).String()
}

// Effective returns the trimmed supplied key, or the fallback when it is blank.
func Effective(supplied string, fp Fingerprint) string {
	if key := strings.TrimSpace(supplied); key != "" {
		return key
	}
	return Fallback(fp)
}

// Resolve returns the composite key for a request, deriving a fallback when the
// caller supplied none.
func Resolve(tenantID, operationCode, supplied string, fp Fingerprint) string {
	return Composite(tenantID, operationCode, Effective(supplied, fp))
}

// FormatCents renders an integer cent amount with two decimal places.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	frac := strconv.FormatInt(cents%100, 10)
	if len(frac) == 1 {
		frac = "0" + frac
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + frac
}
