package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conductor/pkg/manifest"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ControllerOptions configure a Controller.
type ControllerOptions struct {
	Quota      *QuotaLimiter
	Connectors *ConnectorLimiter
	Plans      manifest.LimitsProvider
	Audit      persistence.Option[persistence.QuotaRepository]
	Clock      clockwork.Clock
}

// Controller composes the quota and connector limiters at the enqueue boundary.
type Controller struct {
	logger     *slog.Logger
	quota      *QuotaLimiter
	connectors *ConnectorLimiter
	plans      manifest.LimitsProvider
	audit      persistence.Option[persistence.QuotaRepository]
	clock      clockwork.Clock
}

// NewController creates an admission controller.
func NewController(logger *slog.Logger, opts ControllerOptions) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Plans == nil {
		opts.Plans = manifest.NewPlans(models.OrganizationLimits{})
	}

	return &Controller{
		logger:     logger.With("module", "admission"),
		quota:      opts.Quota,
		connectors: opts.Connectors,
		plans:      opts.Plans,
		audit:      opts.Audit,
		clock:      opts.Clock,
	}
}

// Quota returns the quota limiter.
func (c *Controller) Quota() *QuotaLimiter { return c.quota }

// Connectors returns the connector limiter.
func (c *Controller) Connectors() *ConnectorLimiter { return c.connectors }

// Admit reserves a throughput unit, a running slot and connector capacity for
// the execution, in that order. Any failure undoes what was already taken.
// On success execution.Connectors is set to the connectors that were
// registered, and Release must be called once the execution finishes.
func (c *Controller) Admit(ctx context.Context, execution *models.Execution) error {
	limits, err := c.plans.Limits(ctx, execution.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to load plan limits for organization %s: %w", execution.OrganizationID, err)
	}

	connectors := ConnectorsForGraph(execution.Graph)
	org := execution.OrganizationID

	if err := c.quota.ReserveAdmission(ctx, org, limits); err != nil {
		return c.rejected(ctx, execution, err)
	}

	if err := c.quota.AcquireRunningSlot(ctx, org, limits); err != nil {
		c.quota.ReleaseAdmission(ctx, org)

		return c.rejected(ctx, execution, err)
	}

	undoQuota := func() {
		c.quota.ReleaseRunningSlot(ctx, org)
		c.quota.ReleaseAdmission(ctx, org)
	}

	if err := c.connectors.CheckCapacity(ctx, org, connectors, limits); err != nil {
		undoQuota()

		return c.rejected(ctx, execution, err)
	}

	if err := c.connectors.RegisterExecution(ctx, execution.ID, org, connectors, limits); err != nil {
		undoQuota()

		return c.rejected(ctx, execution, err)
	}

	execution.Connectors = connectors

	return nil
}

// Release frees the running slot and connector capacity of a finished
// execution. It falls back to the execution's recorded connector list when
// the execution was admitted by another process.
func (c *Controller) Release(ctx context.Context, execution *models.Execution) {
	if !c.connectors.ReleaseExecution(ctx, execution.ID) {
		c.connectors.ForceRelease(ctx, execution.ID, execution.OrganizationID, execution.Connectors)
	}

	c.quota.ReleaseRunningSlot(ctx, execution.OrganizationID)
}

// Withdraw undoes an admission whose execution never reached the queue: on
// top of Release it gives back the throughput window reservation.
func (c *Controller) Withdraw(ctx context.Context, execution *models.Execution) {
	c.Release(ctx, execution)
	c.quota.ReleaseAdmission(ctx, execution.OrganizationID)
}

func (c *Controller) rejected(ctx context.Context, execution *models.Execution, err error) error {
	if !IsRejected(err) {
		return err
	}

	repo, ok := c.audit.Get()
	if !ok {
		return err
	}

	entry := &models.QuotaAuditEntry{
		ID:             uuid.NewString(),
		OrganizationID: execution.OrganizationID,
		ExecutionID:    execution.ID,
		Details:        RejectionDetails(err),
		CreatedAt:      c.clock.Now().UTC(),
	}

	if quotaErr, ok := AsQuotaError(err); ok {
		entry.Reason = quotaErr.Reason
		entry.Limit = quotaErr.Limit
		entry.Current = quotaErr.Current
	} else if capacityErr, ok := AsConnectorCapacityError(err); ok {
		entry.Reason = "connector_" + capacityErr.Scope
		entry.Limit = capacityErr.Limit
		entry.Current = capacityErr.Current
	}

	if auditErr := repo.RecordQuotaAudit(ctx, entry); auditErr != nil {
		c.logger.WarnContext(ctx, "failed to record quota audit", "execution_id", execution.ID, "error", auditErr)
	}

	return err
}

// RejectionDetails renders an admission error as structured metadata.
func RejectionDetails(err error) map[string]any {
	if quotaErr, ok := AsQuotaError(err); ok {
		return map[string]any{
			"type":            "quota",
			"reason":          quotaErr.Reason,
			"limit":           quotaErr.Limit,
			"current":         quotaErr.Current,
			"organization_id": quotaErr.OrganizationID,
		}
	}

	if capacityErr, ok := AsConnectorCapacityError(err); ok {
		violations := make([]map[string]any, len(capacityErr.Violations))
		for i, v := range capacityErr.Violations {
			violations[i] = map[string]any{
				"connector_id": v.ConnectorID,
				"scope":        v.Scope,
				"limit":        v.Limit,
				"current":      v.Current,
			}
		}

		return map[string]any{
			"type":            "connector_capacity",
			"reason":          "connector_capacity",
			"connector_id":    capacityErr.ConnectorID,
			"scope":           capacityErr.Scope,
			"limit":           capacityErr.Limit,
			"current":         capacityErr.Current,
			"organization_id": capacityErr.OrganizationID,
			"violations":      violations,
		}
	}

	if errors.Is(err, ErrAdmissionUnavailable) {
		return map[string]any{"type": "unavailable", "error": err.Error()}
	}

	return map[string]any{"error": err.Error()}
}
