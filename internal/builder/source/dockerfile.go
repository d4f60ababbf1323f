package source

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/alvesdmateus/dock/internal/builder/imagename"
)

const (
	// DockerfileName is the file a build looks for in its context directory
	DockerfileName = "Dockerfile"

	// AdditionalTagsFile lists extra tags, one per line, next to the Dockerfile
	AdditionalTagsFile = "additional-tags"
)

// FROM [--platform=...] <image> [AS <name>]
var fromRe = regexp.MustCompile(`(?i)^FROM\s+(?:--platform=\S+\s+)?(\S+)(?:\s+AS\s+(\S+))?`)

// ErrDockerfileParse is returned when a Dockerfile is missing or names no base image
type ErrDockerfileParse struct {
	Path   string
	Reason string
}

func (e ErrDockerfileParse) Error() string {
	return fmt.Sprintf("dockerfile %s: %s", e.Path, e.Reason)
}

// Dockerfile is a located Dockerfile inside a checkout
type Dockerfile struct {
	// Path to the Dockerfile itself
	Path string
	// Dir is the build context directory containing it
	Dir string
}

// LocateDockerfile finds the Dockerfile for subpath inside root. subpath may
// name a directory or a file ending in "Dockerfile"; empty means root.
func LocateDockerfile(root, subpath string) (Dockerfile, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return Dockerfile{}, ErrDockerfileParse{Path: root, Reason: err.Error()}
	}

	dir := root
	if subpath != "" {
		if strings.HasSuffix(subpath, DockerfileName) {
			subpath = filepath.Dir(subpath)
		}
		dir = filepath.Join(root, subpath)
	}

	if rel, err := filepath.Rel(root, dir); err != nil || strings.HasPrefix(rel, "..") {
		return Dockerfile{}, ErrDockerfileParse{Path: dir, Reason: "is outside of the source checkout"}
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Dockerfile{}, ErrDockerfileParse{Path: dir, Reason: "directory doesn't exist"}
	}

	path := filepath.Join(dir, DockerfileName)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return Dockerfile{}, ErrDockerfileParse{Path: path, Reason: "doesn't exist"}
	}

	return Dockerfile{Path: path, Dir: dir}, nil
}

// BaseImage returns the image named by the first FROM instruction
func (d Dockerfile) BaseImage() (imagename.RepoImageTag, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return imagename.RepoImageTag{}, ErrDockerfileParse{Path: d.Path, Reason: err.Error()}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := fromRe.FindStringSubmatch(line); m != nil {
			return imagename.Parse(m[1]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return imagename.RepoImageTag{}, ErrDockerfileParse{Path: d.Path, Reason: err.Error()}
	}

	return imagename.RepoImageTag{}, ErrDockerfileParse{Path: d.Path, Reason: "no FROM instruction"}
}

// Content returns the Dockerfile text
func (d Dockerfile) Content() (string, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read dockerfile: %w", err)
	}
	return string(data), nil
}

// AdditionalTags returns the tags listed in the additional-tags file next to
// the Dockerfile. A missing file yields no tags.
func (d Dockerfile) AdditionalTags() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, AdditionalTagsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", AdditionalTagsFile, err)
	}

	var tags []string
	for _, line := range strings.Split(string(data), "\n") {
		if tag := strings.TrimSpace(line); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

// BaseImageOf locates the Dockerfile for subpath in the checkout and returns
// its base image
func BaseImageOf(checkout *Checkout, subpath string) (imagename.RepoImageTag, error) {
	dockerfile, err := LocateDockerfile(checkout.Dir, subpath)
	if err != nil {
		return imagename.RepoImageTag{}, err
	}
	return dockerfile.BaseImage()
}
