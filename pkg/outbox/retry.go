package outbox

// DefaultMaxAttempts is used when no positive attempt cap is configured.
const DefaultMaxAttempts = 5

// RetryPolicy decides whether a failed delivery stays eligible for the next tick.
type RetryPolicy struct {
	maxAttempts int
}

// NewRetryPolicy creates a policy allowing maxAttempts deliveries per event.
// Non-positive values fall back to DefaultMaxAttempts.
func NewRetryPolicy(maxAttempts int) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryPolicy{maxAttempts: maxAttempts}
}

// MaxAttempts returns the attempt cap.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether an event that has been attempted attempts times and
// failed with err should be retried rather than dead-lettered.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	return attempts < p.maxAttempts
}
