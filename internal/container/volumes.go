package container

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/runbox/runbox/internal/envspec"
	"github.com/runbox/runbox/internal/runtime"
)

// Bind is one host-to-container volume mapping.
type Bind struct {
	HostPath      string
	ContainerPath string
	Mode          string
}

func (b Bind) String() string {
	return b.HostPath + ":" + b.ContainerPath + ":" + b.Mode
}

// buildBinds composes the container's volume table from its four
// sources, in order: the workspace mount (read-write), the spec's
// extra mounts (read-only), the spawn-time mounts, and the static
// assets under the static root (read-only). Extra mounts whose target
// sits at or under the workspace mount are rejected, since the
// workspace bind would shadow them.
func buildBinds(spec *envspec.Spec, workDir string, opts runtime.SpawnOptions, assets map[string]envspec.StaticAsset) ([]Bind, error) {
	workdir := spec.Docker.Workdir
	var binds []Bind
	if spec.Docker.MountWorkspace {
		binds = append(binds, Bind{HostPath: workDir, ContainerPath: workdir, Mode: "rw"})
	}
	for _, host := range sortedKeys(spec.Docker.ExtraMounts) {
		target := path.Clean(spec.Docker.ExtraMounts[host])
		if target == workdir || strings.HasPrefix(target, workdir+"/") {
			return nil, fmt.Errorf("extra mount %s targets %s inside the workspace mount %s", host, target, workdir)
		}
		abs, err := filepath.Abs(host)
		if err != nil {
			return nil, fmt.Errorf("extra mount %s: %w", host, err)
		}
		binds = append(binds, Bind{HostPath: abs, ContainerPath: target, Mode: "ro"})
	}
	for _, host := range sortedKeys(opts.Mounts) {
		m := opts.Mounts[host]
		mode := m.Mode
		if mode == "" {
			mode = "ro"
		}
		binds = append(binds, Bind{HostPath: host, ContainerPath: m.Bind, Mode: mode})
	}
	for _, name := range sortedKeys(assets) {
		a := assets[name]
		binds = append(binds, Bind{HostPath: a.AbsolutePath, ContainerPath: a.ContainerPath(), Mode: "ro"})
	}
	return binds, nil
}

func bindStrings(binds []Bind) []string {
	out := make([]string, len(binds))
	for i, b := range binds {
		out[i] = b.String()
	}
	return out
}

// portBindings translates the requested container-to-host port map
// into Docker's exposed-port and binding tables. Under host networking
// the container shares the host stack, so port mappings are dropped.
func portBindings(networkMode string, ports map[int]int) (nat.PortSet, nat.PortMap, error) {
	if networkMode == envspec.NetworkHost || len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return exposed, bindings, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
