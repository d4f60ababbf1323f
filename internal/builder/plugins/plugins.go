// Package plugins resolves a build configuration through named input plugins.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
)

// InputPlugin produces a build configuration from string arguments
type InputPlugin interface {
	Name() string
	Resolve(ctx context.Context, args map[string]string) (*buildtypes.BuildConfiguration, error)
}

// ErrUnknownPlugin is returned when no plugin is registered under a name
type ErrUnknownPlugin struct {
	Name      string
	Available []string
}

func (e ErrUnknownPlugin) Error() string {
	return fmt.Sprintf("unknown input plugin %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// ConfigError marks ErrUnknownPlugin as a configuration error
func (ErrUnknownPlugin) ConfigError() {}

// ErrMissingArg is returned when a plugin is invoked without a required argument
type ErrMissingArg struct {
	Plugin string
	Arg    string
}

func (e ErrMissingArg) Error() string {
	return fmt.Sprintf("input plugin %s requires argument %q", e.Plugin, e.Arg)
}

// ConfigError marks ErrMissingArg as a configuration error
func (ErrMissingArg) ConfigError() {}

// Registry maps plugin names to implementations
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]InputPlugin
}

// NewRegistry returns a registry holding the given plugins
func NewRegistry(plugins ...InputPlugin) *Registry {
	r := &Registry{plugins: make(map[string]InputPlugin)}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a registry with the built-in plugins
func DefaultRegistry() *Registry {
	return NewRegistry(PathPlugin{}, EnvPlugin{})
}

// Register adds a plugin, replacing any previous one with the same name
func (r *Registry) Register(p InputPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
}

// Get looks up a plugin by name
func (r *Registry) Get(name string) (InputPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, ErrUnknownPlugin{Name: name, Available: r.namesLocked()}
	}
	return p, nil
}

// Names lists the registered plugin names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve runs the named plugin
func (r *Registry) Resolve(ctx context.Context, name string, args map[string]string) (*buildtypes.BuildConfiguration, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	cfg, err := p.Resolve(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("input plugin %s failed: %w", name, err)
	}
	return cfg, nil
}

// ParseArgs turns "key=value" pairs into a map. Later keys win.
func ParseArgs(pairs []string) (map[string]string, error) {
	args := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, buildtypes.ErrInvalidConfig{Field: "input-arg", Reason: fmt.Sprintf("%q is not in key=value form", pair)}
		}
		args[key] = value
	}
	return args, nil
}
