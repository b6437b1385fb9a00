// Package registry resolves graph node types to node factories.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/conductor/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var ErrNodeTypeNotRegistered = errors.New("node type not registered")

// ConfigError lists the schema violations of a node configuration.
type ConfigError struct {
	NodeType string
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config for node type '%s': %s", e.NodeType, strings.Join(e.Problems, "; "))
}

type Registry struct {
	logger        *slog.Logger
	mu            sync.RWMutex
	nodeFactories map[string]protocol.NodeFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:        log.With("module", "registry"),
		nodeFactories: make(map[string]protocol.NodeFactory),
	}
}

// LoadNodePlugins opens every <pluginsPath>/nodes/**/*.so and looks up its
// exported "Node" factory symbol.
func (r *Registry) LoadNodePlugins(pluginsPath string) ([]protocol.NodeFactory, error) {
	return loadPlugin[protocol.NodeFactory](r.logger, pluginsPath, "Node")
}

func (r *Registry) RegisterNode(factory protocol.NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodeFactories[factory.ID()] = factory
}

// GetAvailableNodes returns the registered factories sorted by id.
func (r *Registry) GetAvailableNodes() []protocol.NodeFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factories := make([]protocol.NodeFactory, 0, len(r.nodeFactories))
	for _, factory := range r.nodeFactories {
		factories = append(factories, factory)
	}

	sort.Slice(factories, func(i, j int) bool { return factories[i].ID() < factories[j].ID() })

	return factories
}

// Factory finds the factory for nodeType. Dotted types fall back to their
// longest registered prefix, so "action.http.get" resolves to "action.http".
func (r *Registry) Factory(nodeType string) (protocol.NodeFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidate := nodeType

	for candidate != "" {
		if factory, ok := r.nodeFactories[candidate]; ok {
			return factory, true
		}

		idx := strings.LastIndex(candidate, ".")
		if idx < 0 {
			break
		}

		candidate = candidate[:idx]
	}

	return nil, false
}

// ValidateConfig checks config against the schema of the factory for nodeType.
func (r *Registry) ValidateConfig(nodeType string, config map[string]any) error {
	factory, ok := r.Factory(nodeType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeTypeNotRegistered, nodeType)
	}

	return validateSchema(nodeType, factory.Schema(), config)
}

// CreateNode validates config and builds the node.
func (r *Registry) CreateNode(ctx context.Context, nodeType, id string, config map[string]any) (protocol.Node, error) {
	factory, ok := r.Factory(nodeType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeTypeNotRegistered, nodeType)
	}

	if err := validateSchema(nodeType, factory.Schema(), config); err != nil {
		return nil, err
	}

	return factory.Create(ctx, id, config)
}

func validateSchema(nodeType string, schema map[string]any, config map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("validating config for node type '%s': %w", nodeType, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}

	return &ConfigError{NodeType: nodeType, Problems: problems}
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	if pluginsPath == "" {
		return nil, nil
	}

	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("opening plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
