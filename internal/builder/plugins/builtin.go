package plugins

import (
	"context"
	"encoding/json"
	"os"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
)

// DefaultEnvName is the environment variable read by the env plugin
const DefaultEnvName = "BUILD_JSON"

// PathPlugin reads the configuration from the file named by the "path" argument
type PathPlugin struct{}

func (PathPlugin) Name() string { return "path" }

func (p PathPlugin) Resolve(ctx context.Context, args map[string]string) (*buildtypes.BuildConfiguration, error) {
	path := args["path"]
	if path == "" {
		return nil, ErrMissingArg{Plugin: p.Name(), Arg: "path"}
	}
	return buildtypes.LoadConfigFile(path)
}

// EnvPlugin reads a JSON configuration from an environment variable, named by
// the "env_name" argument and BUILD_JSON by default
type EnvPlugin struct {
	// Lookup replaces os.LookupEnv when set
	Lookup func(key string) (string, bool)
}

func (EnvPlugin) Name() string { return "env" }

func (p EnvPlugin) Resolve(ctx context.Context, args map[string]string) (*buildtypes.BuildConfiguration, error) {
	envName := args["env_name"]
	if envName == "" {
		envName = DefaultEnvName
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	value, ok := lookup(envName)
	if !ok || value == "" {
		return nil, buildtypes.ErrInvalidConfig{Field: envName, Reason: "environment variable is not set"}
	}

	cfg := &buildtypes.BuildConfiguration{}
	if err := json.Unmarshal([]byte(value), cfg); err != nil {
		return nil, buildtypes.ErrInvalidConfig{Field: envName, Reason: "is not a valid build configuration: " + err.Error()}
	}
	return cfg, nil
}
