package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DefaultBacklogThreshold is the pending outbox size above which readiness
// reports the outbox as degraded.
const DefaultBacklogThreshold = 1000

const readinessTimeout = 5 * time.Second

// OutboxBacklog counts outbox events still waiting for delivery.
type OutboxBacklog interface {
	CountPending(ctx context.Context) (int, error)
}

// HealthStatus is the readiness report.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the result of one dependency check.
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Pending   *int      `json:"pending,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// dependency is a named check. A failing critical dependency makes the whole
// service unhealthy; any other failure only degrades it.
type dependency struct {
	name     string
	critical bool
	check    func(ctx context.Context) DependencyStatus
}

// HealthChecker reports on the saga database, the Redis broker and the outbox
// backlog. Dependencies left nil are skipped.
type HealthChecker struct {
	version      string
	dependencies []dependency
}

// HealthOption configures a HealthChecker.
type HealthOption func(*HealthChecker)

// WithOutboxBacklog adds the pending outbox size as a readiness dependency.
// A backlog above threshold degrades readiness; threshold <= 0 uses
// DefaultBacklogThreshold.
func WithOutboxBacklog(backlog OutboxBacklog, threshold int) HealthOption {
	return func(h *HealthChecker) {
		if backlog == nil {
			return
		}
		if threshold <= 0 {
			threshold = DefaultBacklogThreshold
		}
		h.dependencies = append(h.dependencies, dependency{
			name:  "outbox",
			check: func(ctx context.Context) DependencyStatus { return checkBacklog(ctx, backlog, threshold) },
		})
	}
}

// NewHealthChecker creates a checker for db and the Redis broker. Either may be
// nil when the in-memory store or broker is used.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, version string, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{version: version}
	if db != nil {
		h.dependencies = append(h.dependencies, dependency{
			name:     "database",
			critical: true,
			check:    func(ctx context.Context) DependencyStatus { return checkDatabase(ctx, db) },
		})
	}
	// Outbox events wait in the database while the broker is down.
	if redisClient != nil {
		h.dependencies = append(h.dependencies, dependency{
			name:  "redis",
			check: func(ctx context.Context) DependencyStatus { return checkRedis(ctx, redisClient) },
		})
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Check runs every dependency check and folds them into one status.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.dependencies)),
	}
	for _, dep := range h.dependencies {
		result := dep.check(ctx)
		status.Dependencies[dep.name] = result
		status.Status = worse(status.Status, effective(result.Status, dep.critical))
	}
	return status
}

// Liveness answers 200 while the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness answers 503 when a critical dependency is down, 200 otherwise.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}

func checkDatabase(ctx context.Context, db *sql.DB) DependencyStatus {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return finished(start, StatusUnhealthy, err.Error())
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return finished(start, StatusUnhealthy, "query failed: "+err.Error())
	}
	stats := db.Stats()
	if stats.MaxOpenConnections > 1 && stats.OpenConnections >= stats.MaxOpenConnections {
		return finished(start, StatusDegraded, "connection pool exhausted")
	}
	return finished(start, StatusHealthy, "")
}

func checkRedis(ctx context.Context, client *redis.Client) DependencyStatus {
	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		return finished(start, StatusUnhealthy, err.Error())
	}
	return finished(start, StatusHealthy, "")
}

func checkBacklog(ctx context.Context, backlog OutboxBacklog, threshold int) DependencyStatus {
	start := time.Now()
	pending, err := backlog.CountPending(ctx)
	if err != nil {
		return finished(start, StatusUnhealthy, "count failed: "+err.Error())
	}
	status := finished(start, StatusHealthy, "")
	if pending > threshold {
		status = finished(start, StatusDegraded, fmt.Sprintf("%d events pending, threshold %d", pending, threshold))
	}
	status.Pending = &pending
	return status
}

func finished(start time.Time, status, message string) DependencyStatus {
	return DependencyStatus{
		Status:    status,
		Message:   message,
		LatencyMS: time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
}

// effective caps a non-critical failure at degraded.
func effective(status string, critical bool) string {
	if status == StatusUnhealthy && !critical {
		return StatusDegraded
	}
	return status
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
