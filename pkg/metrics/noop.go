package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) AdmissionDecision(limiter, outcome, reason string)  {}
func (n *NoopSink) LockAcquire(mode string, acquired bool)             {}
func (n *NoopSink) LockFallback(mode string)                           {}
func (n *NoopSink) StepFinished(status string, duration time.Duration) {}
func (n *NoopSink) StepsInFlightIncr()                                 {}
func (n *NoopSink) StepsInFlightDecr()                                 {}
func (n *NoopSink) RetryAttempt()                                      {}
func (n *NoopSink) IdempotencyLookup(hit bool)                         {}
func (n *NoopSink) DeadLettered()                                      {}
func (n *NoopSink) IdempotencyCleanup(removed int64)                   {}
