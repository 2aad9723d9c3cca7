package engine

import (
	"fmt"
	"sync"

	"github.com/kmorand/drover/internal/data"
)

// DefaultBreakerThreshold is how many consecutive fatal failures halt the
// stream when the caller does not choose a threshold.
const DefaultBreakerThreshold = 5

// CircuitBreaker counts consecutive fatal failures and trips when the
// threshold is reached. Only fatal provider errors are recorded; transient
// failures that exhaust their retries never touch it. A threshold of 0
// disables tripping entirely. All methods are safe for concurrent use.
type CircuitBreaker struct {
	mu                  sync.Mutex
	threshold           int
	consecutiveFailures int
	lastErr             error
	lastFailedUnit      data.Unit
}

// BreakerStatus is a point-in-time snapshot of the breaker.
type BreakerStatus struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Threshold           int       `json:"threshold"`
	IsTripped           bool      `json:"is_tripped"`
	LastErrorMessage    string    `json:"last_error_message,omitempty"`
	LastFailedUnit      data.Unit `json:"last_failed_unit,omitempty"`
}

// NewCircuitBreaker creates a breaker with the given threshold.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold}
}

// RecordFailure increments the counter and remembers the error and unit.
func (b *CircuitBreaker) RecordFailure(err error, unit data.Unit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.lastErr = err
	b.lastFailedUnit = unit
}

// RecordSuccess resets the counter and clears the stored failure.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.lastErr = nil
	b.lastFailedUnit = nil
}

// Reset forces the counter back to zero.
func (b *CircuitBreaker) Reset() {
	b.RecordSuccess()
}

// IsTripped reports whether the failure count has reached the threshold.
func (b *CircuitBreaker) IsTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped()
}

// Status returns a snapshot of the breaker state.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := BreakerStatus{
		ConsecutiveFailures: b.consecutiveFailures,
		Threshold:           b.threshold,
		IsTripped:           b.tripped(),
		LastFailedUnit:      b.lastFailedUnit,
	}
	if b.lastErr != nil {
		status.LastErrorMessage = b.lastErr.Error()
	}
	return status
}

func (b *CircuitBreaker) tripped() bool {
	return b.threshold > 0 && b.consecutiveFailures >= b.threshold
}

// TrippedError halts the result stream. It carries the breaker status so the
// caller can decide between Reset-and-continue and abort.
type TrippedError struct {
	Status BreakerStatus
}

func (e *TrippedError) Error() string {
	return fmt.Sprintf("circuit breaker tripped after %d consecutive fatal failures",
		e.Status.ConsecutiveFailures)
}
