// Package handoff exchanges the build configuration and the build result
// between the host and an isolated execution context through a shared directory.
//
// The host writes build.json before the context starts; the runner inside the
// context writes results.json before it exits. The host reads the result only
// after the context has terminated.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
)

const (
	// ContainerSharePath is where the shared directory is mounted inside the context
	ContainerSharePath = "/run/share"

	// BuildJSON carries the inbound build configuration
	BuildJSON = "build.json"

	// ResultsJSON carries the outbound build result
	ResultsJSON = "results.json"
)

// ErrHandoff is returned when a handoff file cannot be written, read or decoded
type ErrHandoff struct {
	Path string
	Op   string
	Err  error
}

func (e ErrHandoff) Error() string {
	return fmt.Sprintf("handoff %s %s: %v", e.Op, e.Path, e.Err)
}

func (e ErrHandoff) Unwrap() error {
	return e.Err
}

// Protocol is one side's view of a shared handoff directory
type Protocol struct {
	Dir string
}

// New returns a protocol over dir
func New(dir string) *Protocol {
	return &Protocol{Dir: dir}
}

// InContainer returns the protocol as seen from inside an execution context
func InContainer() *Protocol {
	return New(ContainerSharePath)
}

// NewHostDir creates a fresh handoff directory under workDir so concurrent
// builds never share one. The directory is absolute so Bind mounts a host
// path rather than a named volume.
func NewHostDir(workDir string) (*Protocol, error) {
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, ErrHandoff{Path: workDir, Op: "create", Err: err}
		}
	}
	dir, err := os.MkdirTemp(workDir, "dock-share-*")
	if err != nil {
		return nil, ErrHandoff{Path: workDir, Op: "create", Err: err}
	}
	if dir, err = absDir(dir); err != nil {
		return nil, err
	}
	// the context may run as a different user
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, ErrHandoff{Path: dir, Op: "create", Err: err}
	}
	return New(dir), nil
}

func absDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", ErrHandoff{Path: dir, Op: "create", Err: err}
	}
	return abs, nil
}

// ConfigPath is the location of the inbound configuration
func (p *Protocol) ConfigPath() string {
	return filepath.Join(p.Dir, BuildJSON)
}

// ResultPath is the location of the outbound result
func (p *Protocol) ResultPath() string {
	return filepath.Join(p.Dir, ResultsJSON)
}

// Bind returns the engine bind specification mounting the directory at
// ContainerSharePath
func (p *Protocol) Bind() string {
	return p.Dir + ":" + ContainerSharePath + ":rw"
}

// WriteConfig stores cfg. The file is complete and synced when WriteConfig
// returns.
func (p *Protocol) WriteConfig(cfg *buildtypes.BuildConfiguration) error {
	return p.write(p.ConfigPath(), cfg)
}

// ReadConfig loads the inbound configuration
func (p *Protocol) ReadConfig() (*buildtypes.BuildConfiguration, error) {
	cfg := &buildtypes.BuildConfiguration{}
	if err := p.read(p.ConfigPath(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteResult stores result
func (p *Protocol) WriteResult(result *buildtypes.BuildResult) error {
	return p.write(p.ResultPath(), result)
}

// ReadResult loads the outbound result. A missing or undecodable file, or one
// without a return_code, is an ErrHandoff.
func (p *Protocol) ReadResult() (*buildtypes.BuildResult, error) {
	var shape struct {
		ReturnCode *int `json:"return_code"`
	}
	if err := p.read(p.ResultPath(), &shape); err != nil {
		return nil, err
	}
	if shape.ReturnCode == nil {
		return nil, ErrHandoff{Path: p.ResultPath(), Op: "decode", Err: errors.New("return_code is missing")}
	}

	result := &buildtypes.BuildResult{}
	if err := p.read(p.ResultPath(), result); err != nil {
		return nil, err
	}
	return result, nil
}

// Remove deletes the handoff directory
func (p *Protocol) Remove() error {
	if err := os.RemoveAll(p.Dir); err != nil {
		return ErrHandoff{Path: p.Dir, Op: "remove", Err: err}
	}
	return nil
}

func (p *Protocol) write(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrHandoff{Path: path, Op: "encode", Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return ErrHandoff{Path: path, Op: "write", Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ErrHandoff{Path: path, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ErrHandoff{Path: path, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return ErrHandoff{Path: path, Op: "write", Err: err}
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return ErrHandoff{Path: path, Op: "write", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return ErrHandoff{Path: path, Op: "write", Err: err}
	}

	log.Debug().Str("path", path).Int("bytes", len(data)).Msg("Handoff file written")
	return nil
}

func (p *Protocol) read(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrHandoff{Path: path, Op: "read", Err: fmt.Errorf("file is missing")}
		}
		return ErrHandoff{Path: path, Op: "read", Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrHandoff{Path: path, Op: "decode", Err: err}
	}
	return nil
}
