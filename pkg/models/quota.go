package models

import "time"

// QuotaWindow is the fixed throughput window for per-minute admission limits.
const QuotaWindow = 60 * time.Second

// QuotaState holds the per-organization admission counters.
type QuotaState struct {
	Running       int64 `json:"running"`
	WindowStartMs int64 `json:"window_start_ms"`
	WindowCount   int64 `json:"window_count"`
}

// Normalize resets the throughput window when it has expired at now.
// It reports whether a reset happened.
func (q *QuotaState) Normalize(now time.Time) bool {
	nowMs := now.UnixMilli()
	if nowMs-q.WindowStartMs >= QuotaWindow.Milliseconds() {
		q.WindowStartMs = nowMs
		q.WindowCount = 0

		return true
	}

	return false
}

// OrganizationLimits are the plan limits applied to one organization.
// A value <= 0 means unlimited.
type OrganizationLimits struct {
	MaxConcurrentExecutions int            `json:"max_concurrent_executions" yaml:"max_concurrent_executions" validate:"gte=0"`
	MaxExecutionsPerMinute  int            `json:"max_executions_per_minute" yaml:"max_executions_per_minute" validate:"gte=0"`
	ConnectorConcurrency    map[string]int `json:"connector_concurrency"     yaml:"connector_concurrency"`
}

// ConnectorLimits are the concurrency ceilings declared for one connector.
// Nil means no connector-specific limit.
type ConnectorLimits struct {
	Global          *int `json:"global,omitempty"           yaml:"global,omitempty"           validate:"omitempty,gte=0"`
	PerOrganization *int `json:"per_organization,omitempty" yaml:"per_organization,omitempty" validate:"omitempty,gte=0"`
}

// UsageSnapshot mirrors an organization's quota counters for reporting.
type UsageSnapshot struct {
	OrganizationID string    `json:"organization_id"`
	Running        int64     `json:"running"`
	WindowStartMs  int64     `json:"window_start_ms"`
	WindowCount    int64     `json:"window_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// QuotaAuditEntry records one admission rejection.
type QuotaAuditEntry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	Reason         string         `json:"reason"`
	Limit          int64          `json:"limit"`
	Current        int64          `json:"current"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
