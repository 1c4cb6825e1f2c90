// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helpers for JSON encoding/decoding, error responses,
// path parameter parsing and the middleware stack shared by the settle HTTP
// servers.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusAccepted, result)
//	httputil.WriteBadRequest(w, "currency is required")
//	httputil.WriteNotFound(w, "invoice not found")
//	httputil.WriteDetailedError(w, http.StatusBadGateway, err, map[string]string{
//		"orchestration_id": id,
//	})
//
// # Request Parsing
//
//	var req GenerateAndSettleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	invoiceID, ok := httputil.ParsePathStringOrError(w, r, "invoice_id")
//
// # Middleware
//
//	handler = httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(handler)
//
// # Related Packages
//
//   - pkg/api: The settle REST API built on these helpers
//   - pkg/observability: Logger and request ID context helpers
package httputil
