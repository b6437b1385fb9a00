// Package metrics records engine metrics.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Admission metrics
	AdmissionDecision(limiter, outcome, reason string)

	// Lock metrics
	LockAcquire(mode string, acquired bool)
	LockFallback(mode string)

	// Step metrics
	StepFinished(status string, duration time.Duration)
	StepsInFlightIncr()
	StepsInFlightDecr()

	// Retry metrics
	RetryAttempt()
	IdempotencyLookup(hit bool)
	DeadLettered()
	IdempotencyCleanup(removed int64)
}

// Admission limiter and outcome label values.
const (
	LimiterQuota     = "quota"
	LimiterConnector = "connector"

	OutcomeAdmitted = "admitted"
	OutcomeRejected = "rejected"
)
