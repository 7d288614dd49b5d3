package envspec

import (
	"path"
	"strings"
)

// StaticAsset is a read-only file or directory supplied by an external
// collaborator and made available to executions. Inside a container it
// is mounted under StaticMountRoot at its save path; locally it is used
// in place at its absolute host path.
type StaticAsset struct {
	AbsolutePath string `yaml:"absolute_path"`
	SavePath     string `yaml:"save_path"`
}

// StaticMountRoot is the fixed container prefix static assets are
// mounted under.
const StaticMountRoot = "/static"

// ContainerPath returns the asset's mount target inside a container.
func (a StaticAsset) ContainerPath() string {
	return path.Join(StaticMountRoot, a.SavePath)
}

const (
	placeholderOpen  = "{{static:"
	placeholderClose = "}}"
)

// Placeholder returns the textual placeholder referencing the named
// asset, as it appears in problem configuration data.
func Placeholder(name string) string {
	return placeholderOpen + name + placeholderClose
}

// ResolvePlaceholders replaces static-asset placeholders in value with
// the asset's resolved path. When inContainer is set the container
// mount target is used, otherwise the absolute host path. Placeholders
// naming unknown assets are left untouched.
func ResolvePlaceholders(value string, assets map[string]StaticAsset, inContainer bool) string {
	if !strings.Contains(value, placeholderOpen) {
		return value
	}
	for name, asset := range assets {
		target := asset.AbsolutePath
		if inContainer {
			target = asset.ContainerPath()
		}
		value = strings.ReplaceAll(value, Placeholder(name), target)
	}
	return value
}

// ResolveAllPlaceholders applies ResolvePlaceholders to every value of
// the given map, returning a new map.
func ResolveAllPlaceholders(values map[string]string, assets map[string]StaticAsset, inContainer bool) map[string]string {
	if values == nil {
		return nil
	}
	resolved := make(map[string]string, len(values))
	for k, v := range values {
		resolved[k] = ResolvePlaceholders(v, assets, inContainer)
	}
	return resolved
}
