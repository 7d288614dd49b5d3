// Package envspec models the declarative description of how submission
// code is executed: which backend runs it, which image and mounts it
// sees, and which setup commands precede it. Specs are immutable once
// loaded; runtimes only read from them.
package envspec

import (
	"os"
	"strings"
)

// Kind selects the execution backend.
type Kind string

const (
	KindDocker Kind = "docker"
	KindLocal  Kind = "local"
)

// Network modes understood by the container backend.
const (
	NetworkBridge = "bridge"
	NetworkHost   = "host"
)

// EnvironmentConfig controls the environment variables visible to
// executed commands.
type EnvironmentConfig struct {
	Env          map[string]string `yaml:"env"`
	IncludeOSEnv bool              `yaml:"include_os_env"`
}

// SetupConfig holds the shell commands run before the caller's command.
type SetupConfig struct {
	Commands       []string `yaml:"commands"`
	EvalCommands   []string `yaml:"eval_commands"`
	ResumeCommands []string `yaml:"resume_commands"`
}

// SnapshotConfig controls workspace snapshot capture and archiving.
type SnapshotConfig struct {
	KeepGlobs      []string `yaml:"keep_globs"`
	IgnoreGlobs    []string `yaml:"ignore_globs"`
	Compression    string   `yaml:"compression"`
	ArchiveSaveDir string   `yaml:"archive_save_dir"`
}

// DockerConfig is the container backend section of a spec.
type DockerConfig struct {
	Image          string            `yaml:"image"`
	Binary         string            `yaml:"binary"`
	Workdir        string            `yaml:"workdir"`
	NetworkMode    string            `yaml:"network_mode"`
	MountWorkspace bool              `yaml:"mount_workspace"`
	ExtraMounts    map[string]string `yaml:"extra_mounts"`
	User           string            `yaml:"user"`
	EvalUser       string            `yaml:"eval_user"`
}

// LocalConfig is the host-process backend section of a spec.
type LocalConfig struct {
	RequiresTTY bool   `yaml:"requires_tty"`
	Shell       string `yaml:"shell"`
}

// Spec describes one execution environment. A Spec is produced by Load
// (or constructed literally in tests) and never mutated afterwards.
type Spec struct {
	Kind        Kind              `yaml:"kind"`
	Name        string            `yaml:"name"`
	Environment EnvironmentConfig `yaml:"environment"`
	Setup       SetupConfig       `yaml:"setup"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Docker      DockerConfig      `yaml:"docker"`
	Local       LocalConfig       `yaml:"local"`
}

// FullEnv resolves the complete environment for an execution: the host
// environment when IncludeOSEnv is set, overlaid with the spec's
// declared variables, overlaid with extra.
func (s *Spec) FullEnv(extra map[string]string) map[string]string {
	env := make(map[string]string)
	if s.Environment.IncludeOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	}
	for k, v := range s.Environment.Env {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// SetupCommands returns the declared setup commands for the given
// execution context. Evaluation runs additionally get the eval-only
// commands, after the shared ones.
func (s *Spec) SetupCommands(isEvaluation bool) []string {
	cmds := append([]string(nil), s.Setup.Commands...)
	if isEvaluation {
		cmds = append(cmds, s.Setup.EvalCommands...)
	}
	return cmds
}

// ResumeCommands returns the commands run when resuming from a
// checkpoint snapshot.
func (s *Spec) ResumeCommands() []string {
	return append([]string(nil), s.Setup.ResumeCommands...)
}

// EffectiveNetworkMode returns the container network mode, defaulting
// to bridge.
func (s *Spec) EffectiveNetworkMode() string {
	if s.Docker.NetworkMode == "" {
		return NetworkBridge
	}
	return s.Docker.NetworkMode
}

// BaseImage returns the container image declared by the spec.
func (s *Spec) BaseImage() string {
	return s.Docker.Image
}

// EvalUser returns the sandbox user for evaluation executions, falling
// back to the actual user when no dedicated one is declared.
func (s *Spec) EvalUser() string {
	if s.Docker.EvalUser != "" {
		return s.Docker.EvalUser
	}
	return s.Docker.User
}

// ActualUser returns the sandbox user for agent executions.
func (s *Spec) ActualUser() string {
	return s.Docker.User
}

// IgnoreGlobs returns the snapshot ignore patterns, extended with the
// save paths of the given static assets so materialized assets never
// leak into snapshots.
func (s *Spec) IgnoreGlobs(assets map[string]StaticAsset) []string {
	globs := append([]string(nil), s.Snapshot.IgnoreGlobs...)
	for _, asset := range assets {
		save := strings.TrimSuffix(asset.SavePath, "/")
		if save == "" {
			continue
		}
		globs = append(globs, save, save+"/*")
	}
	return globs
}
