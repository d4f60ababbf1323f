package buildtypes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// Method selects the execution context a build runs in
type Method string

const (
	// MethodHostDocker runs the build in a container with the host engine socket mounted
	MethodHostDocker Method = "hostdocker"

	// MethodPrivileged runs the build in a privileged container with its own engine
	MethodPrivileged Method = "privileged"

	// MethodHere runs the build in the calling process
	MethodHere Method = "here"
)

// ExecutionContextEnv is set in a builder container to the method that
// started it
const ExecutionContextEnv = "DOCK_EXECUTION_CONTEXT"

// Methods lists every supported execution method
var Methods = []Method{MethodHostDocker, MethodPrivileged, MethodHere}

// RequiresBuildImage reports whether the method needs a builder image
func (m Method) RequiresBuildImage() bool {
	return m == MethodHostDocker || m == MethodPrivileged
}

// Return codes reported in BuildResult.ReturnCode
const (
	ReturnCodeSuccess = 0
	ReturnCodeFailure = 1
	ReturnCodeNoImage = -1
)

// BuildConfiguration describes one image build. Field names are a wire contract
// between the host and the execution context.
type BuildConfiguration struct {
	GitURL            string   `json:"git_url" yaml:"git_url"`
	GitDockerfilePath string   `json:"git_dockerfile_path,omitempty" yaml:"git_dockerfile_path,omitempty"`
	GitCommit         string   `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	Image             string   `json:"image" yaml:"image"`
	ParentRegistry    string   `json:"parent_registry,omitempty" yaml:"parent_registry,omitempty"`
	TargetRegistries  []string `json:"target_registries,omitempty" yaml:"target_registries,omitempty"`
	Method            Method   `json:"method,omitempty" yaml:"method,omitempty"`
	BuildImage        string   `json:"build_image,omitempty" yaml:"build_image,omitempty"`
	UseCache          bool     `json:"use_cache,omitempty" yaml:"use_cache,omitempty"`
}

// Validate checks a configuration before it is dispatched. It does not check
// the method itself; unknown methods are rejected by the strategy factory.
func (c *BuildConfiguration) Validate() error {
	if err := c.ValidateBuild(); err != nil {
		return err
	}
	if c.Method.RequiresBuildImage() && strings.TrimSpace(c.BuildImage) == "" {
		return ErrInvalidConfig{
			Field:  "build_image",
			Reason: fmt.Sprintf("is required for method %q", c.Method),
		}
	}
	return nil
}

// ValidateBuild checks only the fields the build proper reads: the source,
// the image name and the registries
func (c *BuildConfiguration) ValidateBuild() error {
	if strings.TrimSpace(c.GitURL) == "" {
		return ErrInvalidConfig{Field: "git_url", Reason: "is required"}
	}
	if strings.TrimSpace(c.Image) == "" {
		return ErrInvalidConfig{Field: "image", Reason: "is required"}
	}
	if _, err := reference.ParseNormalizedNamed(c.Image); err != nil {
		return ErrInvalidConfig{Field: "image", Reason: err.Error()}
	}
	for _, reg := range append([]string{c.ParentRegistry}, c.TargetRegistries...) {
		if reg == "" {
			continue
		}
		if _, err := name.NewRegistry(reg, name.WeakValidation); err != nil {
			return ErrInvalidConfig{Field: "registry", Reason: err.Error()}
		}
	}
	return nil
}

// BuildMetadata carries what the build learned about the images it touched
type BuildMetadata struct {
	Dockerfile      string            `json:"dockerfile,omitempty"`
	BaseImage       string            `json:"base_image,omitempty"`
	BaseImageID     string            `json:"base_image_id,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	PushedImages    []string          `json:"pushed_images,omitempty"`
	AdditionalTags  []string          `json:"additional_tags,omitempty"`
	ContextExitCode *int64            `json:"context_exit_code,omitempty"`
}

// BuildResult is the outcome of a build. A result is always produced, failure
// is expressed by a non-zero ReturnCode.
type BuildResult struct {
	ReturnCode int           `json:"return_code"`
	ImageID    string        `json:"image_id,omitempty"`
	Message    string        `json:"message,omitempty"`
	Logs       []string      `json:"build_logs,omitempty"`
	Metadata   BuildMetadata `json:"metadata"`
}

// Succeeded reports whether the build finished with return code 0
func (r *BuildResult) Succeeded() bool {
	return r != nil && r.ReturnCode == ReturnCodeSuccess
}

// Fail marks the result as failed with the given code and error
func (r *BuildResult) Fail(code int, err error) {
	r.ReturnCode = code
	if err != nil {
		r.Message = err.Error()
	}
}

// FailedResult returns a fresh failing result for err
func FailedResult(err error) *BuildResult {
	result := &BuildResult{}
	result.Fail(ReturnCodeFailure, err)
	return result
}

// Builder performs the build proper for a resolved configuration
type Builder interface {
	Build(ctx context.Context, cfg *BuildConfiguration) *BuildResult
}

// LoadConfigFile reads a BuildConfiguration from a JSON or YAML file
func LoadConfigFile(path string) (*BuildConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read build configuration: %w", err)
	}

	cfg := &BuildConfiguration{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, ErrInvalidConfig{Field: "file", Reason: fmt.Sprintf("cannot decode %s: %v", path, err)}
	}

	return cfg, nil
}

// ErrInvalidConfig is returned when a build configuration is incomplete or malformed
type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid build configuration: %s %s", e.Field, e.Reason)
}

// ConfigError is implemented by every error that signals a configuration problem
type ConfigError interface {
	error
	ConfigError()
}

// ConfigError marks ErrInvalidConfig as a configuration error
func (ErrInvalidConfig) ConfigError() {}

// IsConfigError reports whether err is, or wraps, a configuration error
func IsConfigError(err error) bool {
	var cfgErr ConfigError
	return errors.As(err, &cfgErr)
}
