// Package imagename splits and joins image identifiers of the form
//
//	registry.somewhere:5000/path/image_name:tag
//	|-----------------|                         registry
//	                       |-------------|      name
//	                                      |--|  tag
//
// The functions are total: malformed input yields a best-effort split that
// still joins back to the original string.
package imagename

import "strings"

// RepoImageTag is an image identifier split into its parts. Registry and Tag
// are empty when absent.
type RepoImageTag struct {
	Registry string
	Name     string
	Tag      string
}

// Parse splits identifier into a RepoImageTag
func Parse(identifier string) RepoImageTag {
	registry, name, tag := Split(identifier)
	return RepoImageTag{Registry: registry, Name: name, Tag: tag}
}

// String joins the parts back into an identifier
func (r RepoImageTag) String() string {
	return Join(r.Registry, r.Name, r.Tag)
}

// Repository returns the identifier without its tag
func (r RepoImageTag) Repository() string {
	return JoinRegistryName(r.Registry, r.Name)
}

// WithRegistry returns a copy placed in the given registry
func (r RepoImageTag) WithRegistry(registry string) RepoImageTag {
	r.Registry = registry
	return r
}

// WithTag returns a copy carrying the given tag
func (r RepoImageTag) WithTag(tag string) RepoImageTag {
	r.Tag = tag
	return r
}

// Split breaks identifier into registry, name and tag. The first path segment
// is a registry only when it contains '.' or ':'.
func Split(identifier string) (registry, name, tag string) {
	rest := identifier
	if first, remainder, found := strings.Cut(identifier, "/"); found && isRegistryHost(first) {
		registry = first
		rest = remainder
	}

	if i := strings.LastIndex(rest, ":"); i >= 0 {
		return registry, rest[:i], rest[i+1:]
	}
	return registry, rest, ""
}

func isRegistryHost(segment string) bool {
	return strings.ContainsAny(segment, ".:")
}

// Join is the inverse of Split
func Join(registry, name, tag string) string {
	return JoinNameTag(JoinRegistryName(registry, name), tag)
}

// JoinNameTag returns "name:tag", or name alone when tag is empty
func JoinNameTag(name, tag string) string {
	if tag == "" {
		return name
	}
	return name + ":" + tag
}

// JoinRegistryName returns "registry/name", or name alone when registry is empty
func JoinRegistryName(registry, name string) string {
	if registry == "" {
		return name
	}
	return strings.TrimSuffix(registry, "/") + "/" + name
}
