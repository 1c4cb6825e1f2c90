package billing

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is an expiring LRU of invoices keyed by invoice ID.
// Invoices are immutable once generated, so entries never need invalidation.
// A nil *Cache is valid and caches nothing.
type Cache struct {
	lru *lru.LRU[string, *Invoice]
}

// NewCache creates an invoice cache
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries < 10 {
		maxEntries = 10
	}
	return &Cache{lru: lru.NewLRU[string, *Invoice](maxEntries, nil, ttl)}
}

// Get returns a cached invoice
func (c *Cache) Get(invoiceID string) (*Invoice, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(invoiceID)
}

// Add caches an invoice
func (c *Cache) Add(invoice *Invoice) {
	if c == nil || invoice == nil {
		return
	}
	c.lru.Add(invoice.InvoiceID, invoice)
}

// Len returns the number of cached invoices
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
