// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/conductor/pkg/registry"
	"github.com/jonboulle/clockwork"
)

// NewRegistry registers the built-in nodes, then any plugin under pluginsPath.
// A plugin may replace a built-in node of the same type.
func NewRegistry(logger *slog.Logger, pluginsPath string, clock clockwork.Clock) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultNodes(clock)

	plugins, err := reg.LoadNodePlugins(pluginsPath)
	if err != nil {
		return nil, err
	}

	for _, plugin := range plugins {
		reg.RegisterNode(plugin)
	}

	return reg, nil
}
