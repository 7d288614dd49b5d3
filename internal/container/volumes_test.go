package container

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/runbox/runbox/internal/envspec"
	"github.com/runbox/runbox/internal/runtime"
)

func dockerSpec() *envspec.Spec {
	return &envspec.Spec{
		Kind: envspec.KindDocker,
		Docker: envspec.DockerConfig{
			Image:          "python:3.12-slim",
			Binary:         "docker",
			Workdir:        "/workspace",
			NetworkMode:    envspec.NetworkBridge,
			MountWorkspace: true,
		},
	}
}

func TestBuildBindsComposesAllSources(t *testing.T) {
	t.Parallel()
	spec := dockerSpec()
	spec.Docker.ExtraMounts = map[string]string{"/opt/data": "/data"}
	opts := runtime.SpawnOptions{
		Mounts: map[string]runtime.MountSpec{
			"/tmp/scratch": {Bind: "/scratch", Mode: "rw"},
		},
	}
	assets := map[string]envspec.StaticAsset{
		"corpus": {AbsolutePath: "/srv/corpus", SavePath: "corpus"},
	}

	binds, err := buildBinds(spec, "/tmp/ws-abc", opts, assets)
	if err != nil {
		t.Fatalf("buildBinds: %v", err)
	}
	want := []Bind{
		{HostPath: "/tmp/ws-abc", ContainerPath: "/workspace", Mode: "rw"},
		{HostPath: "/opt/data", ContainerPath: "/data", Mode: "ro"},
		{HostPath: "/tmp/scratch", ContainerPath: "/scratch", Mode: "rw"},
		{HostPath: "/srv/corpus", ContainerPath: "/static/corpus", Mode: "ro"},
	}
	if diff := cmp.Diff(want, binds); diff != "" {
		t.Errorf("binds mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildBindsSpawnMountDefaultsReadOnly(t *testing.T) {
	t.Parallel()
	opts := runtime.SpawnOptions{
		Mounts: map[string]runtime.MountSpec{
			"/host/ref": {Bind: "/ref"},
		},
	}
	binds, err := buildBinds(dockerSpec(), "/tmp/ws", opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	last := binds[len(binds)-1]
	if last.Mode != "ro" {
		t.Errorf("spawn mount mode = %q, want ro", last.Mode)
	}
	if got := last.String(); got != "/host/ref:/ref:ro" {
		t.Errorf("bind string = %q", got)
	}
}

func TestBuildBindsRejectsMountUnderWorkdir(t *testing.T) {
	t.Parallel()
	for _, target := range []string{"/workspace", "/workspace/data"} {
		spec := dockerSpec()
		spec.Docker.ExtraMounts = map[string]string{"/opt/data": target}
		_, err := buildBinds(spec, "/tmp/ws", runtime.SpawnOptions{}, nil)
		if err == nil {
			t.Errorf("target %s: expected rejection", target)
			continue
		}
		if !strings.Contains(err.Error(), "inside the workspace mount") {
			t.Errorf("target %s: error = %v", target, err)
		}
	}
}

func TestBuildBindsNoWorkspaceMount(t *testing.T) {
	t.Parallel()
	spec := dockerSpec()
	spec.Docker.MountWorkspace = false
	binds, err := buildBinds(spec, "/tmp/ws", runtime.SpawnOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(binds) != 0 {
		t.Errorf("got %d binds, want none", len(binds))
	}
}

func TestPortBindings(t *testing.T) {
	t.Parallel()

	t.Run("bridge", func(t *testing.T) {
		t.Parallel()
		exposed, bindings, err := portBindings(envspec.NetworkBridge, map[int]int{80: 8080})
		if err != nil {
			t.Fatal(err)
		}
		if len(exposed) != 1 || len(bindings) != 1 {
			t.Fatalf("exposed=%d bindings=%d, want 1 each", len(exposed), len(bindings))
		}
		for port, binds := range bindings {
			if port.Int() != 80 || port.Proto() != "tcp" {
				t.Errorf("container port = %s", port)
			}
			if len(binds) != 1 || binds[0].HostPort != "8080" {
				t.Errorf("host binding = %+v", binds)
			}
		}
	})

	t.Run("host networking drops ports", func(t *testing.T) {
		t.Parallel()
		exposed, bindings, err := portBindings(envspec.NetworkHost, map[int]int{80: 8080})
		if err != nil {
			t.Fatal(err)
		}
		if exposed != nil || bindings != nil {
			t.Error("host networking should not produce port tables")
		}
	})
}
