// Package workspace manages the resettable directory tree backing a
// sandboxed execution: a materialized initial snapshot that can be
// mutated by executions and later reset, re-captured, or torn down.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/envspec"
)

// Errors returned by workspace lifecycle operations.
var (
	ErrAlreadyPrepared = errors.New("workspace already prepared")
	ErrNotPrepared     = errors.New("workspace not prepared")
)

// SnapshotFunc captures the current state of a directory on demand.
type SnapshotFunc func(dir string) (*Snapshot, error)

// Workspace owns a working directory whose lifecycle is bounded by
// Prepare and Cleanup. The directory exists only between the two.
type Workspace struct {
	initial       *Snapshot
	snapshotFn    SnapshotFunc
	assets        map[string]envspec.StaticAsset
	agentAuthored bool
	dir           string
	log           *zap.Logger
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithStaticAssets registers static assets to materialize into the
// tree when the workspace is agent-authored.
func WithStaticAssets(assets map[string]envspec.StaticAsset) Option {
	return func(w *Workspace) { w.assets = assets }
}

// WithAgentAuthored marks the workspace as holding agent-produced
// state rather than evaluator-produced state.
func WithAgentAuthored(agentAuthored bool) Option {
	return func(w *Workspace) { w.agentAuthored = agentAuthored }
}

// WithLogger sets the workspace logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Workspace) { w.log = log }
}

// New creates a workspace. initial may be nil, in which case the first
// Prepare captures the (empty) directory as the initial snapshot using
// snapshotFn.
func New(initial *Snapshot, snapshotFn SnapshotFunc, opts ...Option) *Workspace {
	w := &Workspace{
		initial:    initial,
		snapshotFn: snapshotFn,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Prepared reports whether the working directory currently exists.
func (w *Workspace) Prepared() bool {
	return w.dir != ""
}

// WorkingDir returns the materialized directory path.
func (w *Workspace) WorkingDir() (string, error) {
	if w.dir == "" {
		return "", ErrNotPrepared
	}
	return w.dir, nil
}

// InitialSnapshot returns the snapshot the workspace resets to.
func (w *Workspace) InitialSnapshot() (*Snapshot, error) {
	if w.initial == nil {
		return nil, errors.New("workspace has no initial snapshot")
	}
	return w.initial, nil
}

// AgentAuthored reports whether the tree holds agent-produced state.
func (w *Workspace) AgentAuthored() bool {
	return w.agentAuthored
}

// Prepare materializes the initial snapshot into a fresh working
// directory. Calling Prepare on an already prepared workspace is an
// error.
func (w *Workspace) Prepare() error {
	if w.dir != "" {
		return ErrAlreadyPrepared
	}
	dir, err := os.MkdirTemp("", "runbox-ws-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	w.dir = dir
	if w.initial != nil {
		if err := w.initial.Extract(dir); err != nil {
			w.Cleanup()
			return err
		}
	} else {
		snap, err := w.snapshotFn(dir)
		if err != nil {
			w.Cleanup()
			return err
		}
		w.initial = snap
	}
	if err := w.materializeStaticAssets(); err != nil {
		w.Cleanup()
		return err
	}
	w.log.Debug("workspace prepared",
		zap.String("working_dir", dir),
		zap.Int("files", len(w.initial.Files)))
	return nil
}

// Reset restores the working directory to exactly the initial
// snapshot: files and directories added since Prepare are removed,
// deleted files are restored, and modified files are reverted.
func (w *Workspace) Reset() error {
	if w.dir == "" {
		return ErrNotPrepared
	}
	w.log.Debug("resetting workspace", zap.String("working_dir", w.dir))
	var dirs []string
	err := filepath.WalkDir(w.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != w.dir {
				dirs = append(dirs, p)
			}
			return nil
		}
		rel, err := filepath.Rel(w.dir, p)
		if err != nil {
			return err
		}
		if _, ok := w.initial.Files[filepath.ToSlash(rel)]; !ok {
			return os.Remove(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset workspace: %w", err)
	}
	// Prune directories the file pass emptied, deepest first so a
	// chain of empty directories collapses. Remove refuses non-empty
	// directories, which is exactly the filter needed.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		os.Remove(dir)
	}
	if err := w.initial.Extract(w.dir); err != nil {
		return fmt.Errorf("reset workspace: %w", err)
	}
	return w.materializeStaticAssets()
}

// Cleanup removes the working directory. Safe to call when not
// prepared, and safe to call repeatedly.
func (w *Workspace) Cleanup() error {
	if w.dir == "" {
		return nil
	}
	dir := w.dir
	w.dir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	w.log.Debug("workspace cleaned up", zap.String("working_dir", dir))
	return nil
}

// RestoreFrom overlays the contents of src onto the working directory.
// Top-level files from src overwrite their counterparts in place;
// top-level directories replace the matching workspace directory
// wholesale.
func (w *Workspace) RestoreFrom(src string) error {
	if w.dir == "" {
		return ErrNotPrepared
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("restore from %s: %w", src, err)
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(w.dir, e.Name())
		if e.IsDir() {
			if err := os.RemoveAll(to); err != nil {
				return fmt.Errorf("restore %s: %w", e.Name(), err)
			}
		}
		if err := copyTree(from, to); err != nil {
			return fmt.Errorf("restore %s: %w", e.Name(), err)
		}
	}
	w.log.Debug("restored workspace from snapshot directory",
		zap.String("source", src))
	return nil
}

// UpdateSnapshot re-captures the working directory as the new initial
// snapshot and returns the previous one.
func (w *Workspace) UpdateSnapshot() (*Snapshot, error) {
	if w.dir == "" {
		return nil, ErrNotPrepared
	}
	snap, err := w.snapshotFn(w.dir)
	if err != nil {
		return nil, err
	}
	old := w.initial
	w.initial = snap
	return old, nil
}

// materializeStaticAssets copies static assets into the tree for
// agent-authored workspaces. Evaluation workspaces see assets only
// through container mounts.
func (w *Workspace) materializeStaticAssets() error {
	if !w.agentAuthored || len(w.assets) == 0 {
		return nil
	}
	for name, asset := range w.assets {
		target := filepath.Join(w.dir, filepath.FromSlash(asset.SavePath))
		if err := copyTree(asset.AbsolutePath, target); err != nil {
			return fmt.Errorf("materialize static asset %s: %w", name, err)
		}
	}
	w.log.Debug("materialized static assets", zap.Int("count", len(w.assets)))
	return nil
}

// copyTree copies a file or directory tree from src to dst.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
