package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dukex/conductor/pkg/counter"
	"github.com/dukex/conductor/pkg/manifest"
	"github.com/dukex/conductor/pkg/metrics"
	"github.com/dukex/conductor/pkg/models"
)

// GlobalConnectorKey is the counter holding a connector's active executions.
func GlobalConnectorKey(connectorID string) string {
	return "connector:concurrency:" + connectorID
}

// OrganizationConnectorKey is the counter holding a connector's active
// executions for one organization.
func OrganizationConnectorKey(connectorID, organizationID string) string {
	return GlobalConnectorKey(connectorID) + ":org:" + organizationID
}

// ConnectorOptions configure a ConnectorLimiter.
type ConnectorOptions struct {
	Store    counter.Store
	Manifest manifest.ConnectorManifest
	Policy   FailurePolicy
	Metrics  metrics.Sink
}

type registration struct {
	organizationID string
	connectors     []string
}

// ConnectorLimiter enforces global and per-organization concurrency ceilings
// for the connectors an execution calls.
type ConnectorLimiter struct {
	logger   *slog.Logger
	store    counter.Store
	manifest manifest.ConnectorManifest
	policy   FailurePolicy
	metrics  metrics.Sink

	mu            sync.Mutex
	registrations map[string]registration
}

// NewConnectorLimiter creates a connector limiter.
func NewConnectorLimiter(logger *slog.Logger, opts ConnectorOptions) *ConnectorLimiter {
	if opts.Store == nil {
		opts.Store = counter.NewMemoryStore()
	}

	if opts.Manifest == nil {
		opts.Manifest = manifest.NewConnectors(nil)
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}

	if opts.Policy == "" {
		opts.Policy = FailOpen
	}

	return &ConnectorLimiter{
		logger:        logger.With("module", "connector_limiter"),
		store:         opts.Store,
		manifest:      opts.Manifest,
		policy:        opts.Policy,
		metrics:       opts.Metrics,
		registrations: make(map[string]registration),
	}
}

type resolvedLimits struct {
	global          int64
	perOrganization int64
}

// limitsFor combines the manifest global ceiling with the per-organization
// ceiling, where the plan override beats the manifest default. Zero means
// unlimited.
func (c *ConnectorLimiter) limitsFor(connectorID string, limits models.OrganizationLimits) resolvedLimits {
	var resolved resolvedLimits

	declared, ok := c.manifest.Connector(connectorID)
	if ok {
		if declared.Global != nil {
			resolved.global = int64(*declared.Global)
		}

		if declared.PerOrganization != nil {
			resolved.perOrganization = int64(*declared.PerOrganization)
		}
	}

	if override, ok := limits.ConnectorConcurrency[connectorID]; ok {
		resolved.perOrganization = int64(max(0, override))
	}

	return resolved
}

// CheckCapacity reports whether every connector has room for one more
// execution. The error names the first violating connector and lists all.
func (c *ConnectorLimiter) CheckCapacity(
	ctx context.Context,
	organizationID string,
	connectors []string,
	limits models.OrganizationLimits,
) error {
	if len(connectors) == 0 {
		return nil
	}

	keys := make([]string, 0, len(connectors)*2)
	for _, connectorID := range connectors {
		keys = append(keys, GlobalConnectorKey(connectorID), OrganizationConnectorKey(connectorID, organizationID))
	}

	current, err := c.store.MGet(ctx, keys...)
	if err != nil {
		if c.policy == FailClosed {
			return errors.Join(ErrAdmissionUnavailable, err)
		}

		c.logger.WarnContext(ctx, "connector counters unavailable, admitting", "organization_id", organizationID, "error", err)

		return nil
	}

	var violations []ConnectorViolation

	for _, connectorID := range connectors {
		resolved := c.limitsFor(connectorID, limits)

		if count := current[GlobalConnectorKey(connectorID)]; resolved.global > 0 && count >= resolved.global {
			violations = append(violations, ConnectorViolation{
				ConnectorID: connectorID,
				Scope:       ScopeGlobal,
				Limit:       resolved.global,
				Current:     count,
			})

			continue
		}

		if count := current[OrganizationConnectorKey(connectorID, organizationID)]; resolved.perOrganization > 0 && count >= resolved.perOrganization {
			violations = append(violations, ConnectorViolation{
				ConnectorID: connectorID,
				Scope:       ScopeOrganization,
				Limit:       resolved.perOrganization,
				Current:     count,
			})
		}
	}

	if len(violations) > 0 {
		return c.reject(ctx, newConnectorCapacityError(organizationID, violations))
	}

	return nil
}

// RegisterExecution increments the counters of every connector the execution
// uses. Each increment is checked against its ceiling afterwards, so two
// processes racing for the last slot cannot both win; a loser rolls back all
// of its increments. Registering the same execution twice is a no-op.
func (c *ConnectorLimiter) RegisterExecution(
	ctx context.Context,
	executionID string,
	organizationID string,
	connectors []string,
	limits models.OrganizationLimits,
) error {
	c.mu.Lock()
	_, exists := c.registrations[executionID]
	c.mu.Unlock()

	if exists || len(connectors) == 0 {
		return nil
	}

	var applied []string

	rollback := func() {
		for _, key := range applied {
			c.adjust(ctx, key, -1)
		}
	}

	for _, connectorID := range connectors {
		resolved := c.limitsFor(connectorID, limits)

		checks := []struct {
			key   string
			scope string
			limit int64
		}{
			{GlobalConnectorKey(connectorID), ScopeGlobal, resolved.global},
			{OrganizationConnectorKey(connectorID, organizationID), ScopeOrganization, resolved.perOrganization},
		}

		for _, check := range checks {
			value, err := counter.AdjustClamped(ctx, c.store, check.key, 1)
			if err != nil {
				rollback()

				if c.policy == FailClosed {
					return errors.Join(ErrAdmissionUnavailable, err)
				}

				c.logger.WarnContext(ctx, "failed to register connector usage", "connector_id", connectorID, "error", err)

				return nil
			}

			applied = append(applied, check.key)

			if check.limit > 0 && value > check.limit {
				rollback()

				return c.reject(ctx, newConnectorCapacityError(organizationID, []ConnectorViolation{{
					ConnectorID: connectorID,
					Scope:       check.scope,
					Limit:       check.limit,
					Current:     value - 1,
				}}))
			}
		}
	}

	c.mu.Lock()
	c.registrations[executionID] = registration{
		organizationID: organizationID,
		connectors:     append([]string(nil), connectors...),
	}
	c.mu.Unlock()

	c.metrics.AdmissionDecision(metrics.LimiterConnector, metrics.OutcomeAdmitted, "")

	return nil
}

// ReleaseExecution decrements the counters recorded at registration. It
// reports false when this process holds no registration for executionID.
func (c *ConnectorLimiter) ReleaseExecution(ctx context.Context, executionID string) bool {
	c.mu.Lock()
	reg, ok := c.registrations[executionID]
	delete(c.registrations, executionID)
	c.mu.Unlock()

	if !ok {
		return false
	}

	c.release(ctx, reg.organizationID, reg.connectors)

	return true
}

// ForceRelease decrements counters for connectors without a registration,
// for executions admitted by another process or before a restart.
func (c *ConnectorLimiter) ForceRelease(ctx context.Context, executionID, organizationID string, connectors []string) {
	c.mu.Lock()
	delete(c.registrations, executionID)
	c.mu.Unlock()

	c.release(ctx, organizationID, connectors)
}

// Active returns the current global and per-organization counts of a connector.
func (c *ConnectorLimiter) Active(ctx context.Context, connectorID, organizationID string) (global, organization int64, err error) {
	globalKey := GlobalConnectorKey(connectorID)
	orgKey := OrganizationConnectorKey(connectorID, organizationID)

	values, err := c.store.MGet(ctx, globalKey, orgKey)
	if err != nil {
		return 0, 0, err
	}

	return values[globalKey], values[orgKey], nil
}

func (c *ConnectorLimiter) release(ctx context.Context, organizationID string, connectors []string) {
	for _, connectorID := range connectors {
		c.adjust(ctx, GlobalConnectorKey(connectorID), -1)
		c.adjust(ctx, OrganizationConnectorKey(connectorID, organizationID), -1)
	}
}

func (c *ConnectorLimiter) adjust(ctx context.Context, key string, delta int64) {
	if _, err := counter.AdjustClamped(ctx, c.store, key, delta); err != nil {
		c.logger.WarnContext(ctx, "failed to adjust connector counter", "key", key, "delta", delta, "error", err)
	}
}

func (c *ConnectorLimiter) reject(ctx context.Context, err *ConnectorCapacityError) error {
	c.logger.InfoContext(ctx, "admission rejected by connector capacity",
		"organization_id", err.OrganizationID,
		"connector_id", err.ConnectorID,
		"scope", err.Scope,
		"limit", err.Limit,
		"current", err.Current,
		"violations", len(err.Violations),
	)
	c.metrics.AdmissionDecision(metrics.LimiterConnector, metrics.OutcomeRejected, err.Scope)

	return err
}
