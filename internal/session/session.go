// Package session ties an environment spec, a workspace, and the
// execution runtimes spawned against it into one bounded lifecycle:
// everything a session creates is gone after Cleanup.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/container"
	"github.com/runbox/runbox/internal/envspec"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/workspace"
)

// Error is a session-level failure: bad restore source, spawn against
// an unprepared workspace, unknown runtime kind.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures a session.
type Config struct {
	Spec *envspec.Spec
	// Initial is the snapshot the workspace materializes and resets to.
	// Nil means start from an empty tree and capture it as the initial
	// state.
	Initial      *workspace.Snapshot
	StaticAssets map[string]envspec.StaticAsset
	// AgentAuthored marks the workspace as holding agent-produced state;
	// static assets are then copied into the tree instead of (or in
	// addition to) being mounted.
	AgentAuthored bool
	// IsEvaluation selects the evaluation setup commands and user.
	IsEvaluation bool
	Logger       *zap.Logger
}

// Session owns one workspace and the runtimes spawned against it.
// Not safe for concurrent use.
type Session struct {
	spec     *envspec.Spec
	ws       *workspace.Workspace
	assets   map[string]envspec.StaticAsset
	isEval   bool
	log      *zap.Logger
	runtimes []runtime.Runtime
}

// New constructs a session. The workspace is not materialized until
// Prepare.
func New(cfg Config) (*Session, error) {
	if cfg.Spec == nil {
		return nil, &Error{Op: "session requires a spec"}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	snapshotFn := func(dir string) (*workspace.Snapshot, error) {
		return workspace.Capture(dir, cfg.Spec.IgnoreGlobs(cfg.StaticAssets), cfg.Spec.Snapshot.KeepGlobs)
	}
	ws := workspace.New(cfg.Initial, snapshotFn,
		workspace.WithStaticAssets(cfg.StaticAssets),
		workspace.WithAgentAuthored(cfg.AgentAuthored),
		workspace.WithLogger(log))
	return &Session{
		spec:   cfg.Spec,
		ws:     ws,
		assets: cfg.StaticAssets,
		isEval: cfg.IsEvaluation,
		log:    log,
	}, nil
}

// Workspace exposes the session's workspace.
func (s *Session) Workspace() *workspace.Workspace { return s.ws }

// Prepare materializes the workspace.
func (s *Session) Prepare() error {
	return s.ws.Prepare()
}

// Spawn creates a runtime of the spec's kind against the prepared
// workspace. The session retains it for teardown; callers may also
// clean it up early themselves.
func (s *Session) Spawn(ctx context.Context, opts runtime.SpawnOptions) (runtime.Runtime, error) {
	dir, err := s.ws.WorkingDir()
	if err != nil {
		return nil, &Error{Op: "spawn", Err: err}
	}
	var rt runtime.Runtime
	switch s.spec.Kind {
	case envspec.KindDocker:
		rt, err = container.New(ctx, container.Config{
			Spec:         s.spec,
			WorkingDir:   dir,
			StaticAssets: s.assets,
			Options:      opts,
			IsEvaluation: s.isEval,
			Logger:       s.log,
		})
	case envspec.KindLocal:
		rt, err = runtime.NewLocal(runtime.LocalConfig{
			Spec:         s.spec,
			WorkingDir:   dir,
			Options:      opts,
			IsEvaluation: s.isEval,
			Logger:       s.log,
		})
	default:
		return nil, &Error{Op: fmt.Sprintf("unknown runtime kind %q", s.spec.Kind)}
	}
	if err != nil {
		return nil, err
	}
	s.runtimes = append(s.runtimes, rt)
	return rt, nil
}

// Reset restores the workspace to its initial snapshot. Spawned
// runtimes stay alive; their next execution sees the reset tree.
func (s *Session) Reset() error {
	return s.ws.Reset()
}

// Cleanup tears down every runtime the session spawned, oldest first,
// then removes the workspace. Best-effort throughout; idempotent.
func (s *Session) Cleanup() {
	s.cleanupRuntimes()
	if err := s.ws.Cleanup(); err != nil {
		s.log.Warn("workspace cleanup failed", zap.Error(err))
	}
}

func (s *Session) cleanupRuntimes() {
	for _, rt := range s.runtimes {
		rt.Cleanup()
	}
	s.runtimes = nil
}

// With prepares a session, runs fn against it, and guarantees cleanup
// on every path out, including a panic in fn.
func With(cfg Config, fn func(*Session) error) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	if err := s.Prepare(); err != nil {
		return err
	}
	defer s.Cleanup()
	return fn(s)
}

// RestoreFromSnapshotDir overlays the contents of dir onto the
// workspace: files are overwritten in place, directories present in
// dir replace their workspace counterparts wholesale.
func (s *Session) RestoreFromSnapshotDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &Error{Op: fmt.Sprintf("restore source %s is not a directory", dir), Err: err}
	}
	return s.ws.RestoreFrom(dir)
}

// MaterializeInputFiles writes caller-provided files into the
// workspace.
func (s *Session) MaterializeInputFiles(files []workspace.InputFile) error {
	return s.ws.MaterializeInputFiles(files)
}

// GetFileContents reads paths (literals, globs, or directories) out of
// the workspace.
func (s *Session) GetFileContents(paths []string) (map[string]string, error) {
	return s.ws.GetFileContents(paths)
}

// ResolveStaticPlaceholders substitutes static-asset placeholders in
// value with the path visible to the runtime: the container mount path
// for Docker specs, the host path otherwise.
func (s *Session) ResolveStaticPlaceholders(value string) string {
	return envspec.ResolvePlaceholders(value, s.assets, s.spec.Kind == envspec.KindDocker)
}

// FinishCheckpoint captures the workspace's current state, writes the
// changed files into outputDir, and returns the diff against the
// initial snapshot. Only meaningful for agent-authored workspaces.
func (s *Session) FinishCheckpoint(outputDir string) (*workspace.Diff, error) {
	if !s.ws.AgentAuthored() {
		return nil, &Error{Op: "checkpoint requires an agent-authored workspace"}
	}
	previous, err := s.ws.UpdateSnapshot()
	if err != nil {
		return nil, err
	}
	current, err := s.ws.InitialSnapshot()
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		if err := current.Extract(outputDir); err != nil {
			return nil, fmt.Errorf("write checkpoint: %w", err)
		}
	}
	if saveDir := s.spec.Snapshot.ArchiveSaveDir; saveDir != "" {
		if err := s.archiveSnapshot(current, saveDir); err != nil {
			return nil, err
		}
	}
	return previous.Diff(current), nil
}

// archiveSnapshot saves snap as a tar archive under dir, named by its
// checksum so identical states dedupe naturally.
func (s *Session) archiveSnapshot(snap *workspace.Snapshot, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	name := "workspace-" + snap.Checksum[:12] + ".tar"
	compression := s.spec.Snapshot.Compression
	if compression == "gz" {
		name += ".gz"
	}
	target := filepath.Join(dir, name)
	if err := snap.WriteArchive(target, compression); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	s.log.Info("workspace archive saved", zap.String("path", target))
	return nil
}
