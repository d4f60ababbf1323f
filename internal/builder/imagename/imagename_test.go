package imagename

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		identifier string
		registry   string
		name       string
		tag        string
	}{
		{"repository.com/image-name", "repository.com", "image-name", ""},
		{"registry:5000/image-name:latest", "registry:5000", "image-name", "latest"},
		{"fedora:20", "", "fedora", "20"},
		{"fedora", "", "fedora", ""},
		{"library/fedora:20", "", "library/fedora", "20"},
		{"registry.example.com/ns/app:v1.2", "registry.example.com", "ns/app", "v1.2"},
		{"localhost:5000/app", "localhost:5000", "app", ""},
		{"", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.identifier, func(t *testing.T) {
			registry, name, tag := Split(tt.identifier)
			assert.Equal(t, tt.registry, registry, "registry")
			assert.Equal(t, tt.name, name, "name")
			assert.Equal(t, tt.tag, tag, "tag")
		})
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	identifiers := []string{
		"fedora",
		"fedora:20",
		"repository.com/image-name",
		"registry:5000/image-name:latest",
		"quay.io/org/team/app:1.0.0",
		"org/app:edge",
		"localhost:5000",
		"reg.com/",
		"app@sha256:abcdef",
	}

	for _, identifier := range identifiers {
		t.Run(identifier, func(t *testing.T) {
			assert.Equal(t, identifier, Join(Split(identifier)))
			assert.Equal(t, identifier, Parse(identifier).String())
		})
	}
}

func TestJoinHelpers(t *testing.T) {
	assert.Equal(t, "app:v1", JoinNameTag("app", "v1"))
	assert.Equal(t, "app", JoinNameTag("app", ""))
	assert.Equal(t, "reg.io/app", JoinRegistryName("reg.io", "app"))
	assert.Equal(t, "reg.io/app", JoinRegistryName("reg.io/", "app"))
	assert.Equal(t, "app", JoinRegistryName("", "app"))
	assert.Equal(t, "reg.io/app:v1", Join("reg.io", "app", "v1"))
}

func TestRepoImageTagHelpers(t *testing.T) {
	ref := Parse("fedora:20")

	moved := ref.WithRegistry("registry.example.com:5000")
	assert.Equal(t, "registry.example.com:5000/fedora:20", moved.String())
	assert.Equal(t, "registry.example.com:5000/fedora", moved.Repository())
	assert.Equal(t, "fedora:20", ref.String(), "original must be unchanged")

	assert.Equal(t, "fedora:rawhide", ref.WithTag("rawhide").String())
}
