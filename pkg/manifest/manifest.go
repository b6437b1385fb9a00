// Package manifest loads the connector manifest and organization plan limits.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/dukex/conductor/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConnectorManifest provides concurrency ceilings per connector id.
type ConnectorManifest interface {
	Connector(connectorID string) (models.ConnectorLimits, bool)
}

// LimitsProvider supplies the plan limits of an organization.
type LimitsProvider interface {
	Limits(ctx context.Context, organizationID string) (models.OrganizationLimits, error)
}

// ConnectorFile is the YAML layout of the connector manifest.
type ConnectorFile struct {
	Connectors map[string]models.ConnectorLimits `yaml:"connectors" validate:"dive"`
}

// Connectors is an immutable, in-memory connector manifest.
type Connectors struct {
	connectors map[string]models.ConnectorLimits
}

// NewConnectors builds a manifest from a map. Nil means no connector limits.
func NewConnectors(connectors map[string]models.ConnectorLimits) *Connectors {
	copied := make(map[string]models.ConnectorLimits, len(connectors))
	for id, limits := range connectors {
		copied[id] = limits
	}

	return &Connectors{connectors: copied}
}

// Connector returns the limits declared for connectorID. The second value is
// false when the manifest has no entry.
func (c *Connectors) Connector(connectorID string) (models.ConnectorLimits, bool) {
	limits, ok := c.connectors[connectorID]

	return limits, ok
}

// IDs lists the connectors with an entry.
func (c *Connectors) IDs() []string {
	ids := make([]string, 0, len(c.connectors))
	for id := range c.connectors {
		ids = append(ids, id)
	}

	return ids
}

// LoadConnectors reads a connector manifest from a YAML file.
func LoadConnectors(path string) (*Connectors, error) {
	var file ConnectorFile
	if err := loadYAML(path, &file); err != nil {
		return nil, err
	}

	return NewConnectors(file.Connectors), nil
}

// LoadConnectorsOrEmpty loads the manifest at path, returning an empty manifest
// when path is empty or the file does not exist.
func LoadConnectorsOrEmpty(path string) (*Connectors, error) {
	if path == "" {
		return NewConnectors(nil), nil
	}

	connectors, err := LoadConnectors(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewConnectors(nil), nil
	}

	return connectors, err
}

// PlanFile is the YAML layout of the plan limits file.
type PlanFile struct {
	Default       models.OrganizationLimits            `yaml:"default"`
	Organizations map[string]models.OrganizationLimits `yaml:"organizations" validate:"dive"`
}

// Plans serves organization limits from a default plan plus per-organization
// overrides. It is safe for concurrent use.
type Plans struct {
	mu            sync.RWMutex
	defaults      models.OrganizationLimits
	organizations map[string]models.OrganizationLimits
}

// NewPlans creates a provider with the given default limits.
func NewPlans(defaults models.OrganizationLimits) *Plans {
	return &Plans{defaults: defaults, organizations: make(map[string]models.OrganizationLimits)}
}

// Set overrides the limits of one organization.
func (p *Plans) Set(organizationID string, limits models.OrganizationLimits) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.organizations[organizationID] = limits
}

// Limits returns the organization's limits, or the default plan.
func (p *Plans) Limits(_ context.Context, organizationID string) (models.OrganizationLimits, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if limits, ok := p.organizations[organizationID]; ok {
		return limits, nil
	}

	return p.defaults, nil
}

// LoadPlans reads plan limits from a YAML file.
func LoadPlans(path string) (*Plans, error) {
	var file PlanFile
	if err := loadYAML(path, &file); err != nil {
		return nil, err
	}

	plans := NewPlans(file.Default)
	for id, limits := range file.Organizations {
		plans.organizations[id] = limits
	}

	return plans, nil
}

// LoadPlansOrDefault loads plan limits at path, returning an unlimited default
// plan when path is empty or the file does not exist.
func LoadPlansOrDefault(path string) (*Plans, error) {
	if path == "" {
		return NewPlans(models.OrganizationLimits{}), nil
	}

	plans, err := LoadPlans(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewPlans(models.OrganizationLimits{}), nil
	}

	return plans, err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse YAML manifest %s: %w", path, err)
	}

	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	return nil
}
