// Package admission gates new executions behind per-organization quotas and
// per-connector concurrency ceilings.
package admission

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected matches every quota or connector capacity rejection.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrAdmissionUnavailable is returned under the closed failure policy when
	// limiter state cannot be read.
	ErrAdmissionUnavailable = errors.New("admission state unavailable")
)

// Quota rejection reasons.
const (
	ReasonConcurrency = "concurrency"
	ReasonThroughput  = "throughput"
)

// Connector capacity scopes.
const (
	ScopeGlobal       = "global"
	ScopeOrganization = "organization"
)

// QuotaError reports an organization quota ceiling being hit.
type QuotaError struct {
	OrganizationID string
	Reason         string // ReasonConcurrency or ReasonThroughput
	Limit          int64
	Current        int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("organization %s exceeded %s quota: %d/%d", e.OrganizationID, e.Reason, e.Current, e.Limit)
}

// Is implements error comparison for quota errors.
func (e *QuotaError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

// ConnectorViolation is one connector found over capacity.
type ConnectorViolation struct {
	ConnectorID string `json:"connector_id"`
	Scope       string `json:"scope"`
	Limit       int64  `json:"limit"`
	Current     int64  `json:"current"`
}

// ConnectorCapacityError names the first connector over capacity in graph
// order. Violations lists every connector that was over capacity.
type ConnectorCapacityError struct {
	OrganizationID string
	ConnectorID    string
	Scope          string // ScopeGlobal or ScopeOrganization
	Limit          int64
	Current        int64
	Violations     []ConnectorViolation
}

func (e *ConnectorCapacityError) Error() string {
	return fmt.Sprintf("connector %s at %s capacity: %d/%d", e.ConnectorID, e.Scope, e.Current, e.Limit)
}

// Is implements error comparison for connector capacity errors.
func (e *ConnectorCapacityError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

func newConnectorCapacityError(organizationID string, violations []ConnectorViolation) *ConnectorCapacityError {
	first := violations[0]

	return &ConnectorCapacityError{
		OrganizationID: organizationID,
		ConnectorID:    first.ConnectorID,
		Scope:          first.Scope,
		Limit:          first.Limit,
		Current:        first.Current,
		Violations:     violations,
	}
}

// AsQuotaError extracts a *QuotaError from err.
func AsQuotaError(err error) (*QuotaError, bool) {
	var quotaErr *QuotaError
	ok := errors.As(err, &quotaErr)

	return quotaErr, ok
}

// AsConnectorCapacityError extracts a *ConnectorCapacityError from err.
func AsConnectorCapacityError(err error) (*ConnectorCapacityError, bool) {
	var capacityErr *ConnectorCapacityError
	ok := errors.As(err, &capacityErr)

	return capacityErr, ok
}

// IsRejected reports whether err is an admission rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrAdmissionRejected)
}
