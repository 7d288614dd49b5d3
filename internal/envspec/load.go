package envspec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the YAML omits a field.
const (
	DefaultBinary      = "docker"
	DefaultWorkdir     = "/workspace"
	DefaultCompression = "gz"
)

var defaultIgnoreGlobs = []string{"*.pyc", "venv/*", ".venv/*"}

// Load reads and validates an environment spec from a YAML file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment spec: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes an environment spec from YAML bytes, applies defaults,
// and validates it.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	applyDefaults(&spec)
	if err := validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func applyDefaults(spec *Spec) {
	if spec.Docker.Binary == "" {
		spec.Docker.Binary = DefaultBinary
	}
	if spec.Docker.Workdir == "" {
		spec.Docker.Workdir = DefaultWorkdir
	}
	if spec.Docker.NetworkMode == "" {
		spec.Docker.NetworkMode = NetworkBridge
	}
	if spec.Snapshot.Compression == "" {
		spec.Snapshot.Compression = DefaultCompression
	}
	if spec.Snapshot.IgnoreGlobs == nil {
		spec.Snapshot.IgnoreGlobs = append([]string(nil), defaultIgnoreGlobs...)
	}
}

func validate(spec *Spec) error {
	switch spec.Kind {
	case KindDocker:
		if spec.Docker.Image == "" {
			return fmt.Errorf("docker environment %q requires an image", spec.Name)
		}
	case KindLocal:
	case "":
		return fmt.Errorf("environment spec is missing a kind")
	default:
		return fmt.Errorf("unknown environment kind %q", spec.Kind)
	}
	switch spec.Docker.NetworkMode {
	case NetworkBridge, NetworkHost:
	default:
		return fmt.Errorf("unknown network mode %q", spec.Docker.NetworkMode)
	}
	switch spec.Snapshot.Compression {
	case "gz", "none":
	default:
		return fmt.Errorf("unsupported snapshot compression %q", spec.Snapshot.Compression)
	}
	return nil
}
