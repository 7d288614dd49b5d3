package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// InputFile is a caller-provided file to materialize into the tree.
type InputFile struct {
	Path    string
	Content []byte
	Mode    fs.FileMode
}

// MaterializeInputFiles writes the given files into the working
// directory, creating parent directories as needed.
func (w *Workspace) MaterializeInputFiles(files []InputFile) error {
	if w.dir == "" {
		return ErrNotPrepared
	}
	for _, f := range files {
		target := filepath.Join(w.dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("materialize %s: %w", f.Path, err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, f.Content, mode); err != nil {
			return fmt.Errorf("materialize %s: %w", f.Path, err)
		}
	}
	return nil
}

// GetFileContents reads the requested relative paths from the working
// directory. Entries may be literal paths, glob patterns, or
// directories (collected recursively). Missing files are simply absent
// from the result.
func (w *Workspace) GetFileContents(paths []string) (map[string]string, error) {
	if w.dir == "" {
		return nil, ErrNotPrepared
	}
	matched := make(map[string]string)
	for _, raw := range paths {
		rel := strings.TrimPrefix(strings.TrimSpace(raw), "./")
		if rel == "" {
			continue
		}
		var candidates []string
		if strings.ContainsAny(rel, "*?[") {
			globbed, err := filepath.Glob(filepath.Join(w.dir, filepath.FromSlash(rel)))
			if err != nil {
				return nil, fmt.Errorf("glob %s: %w", rel, err)
			}
			candidates = globbed
		} else {
			candidates = []string{filepath.Join(w.dir, filepath.FromSlash(rel))}
		}
		for _, candidate := range candidates {
			if err := w.collect(candidate, matched); err != nil {
				return nil, err
			}
		}
	}
	return matched, nil
}

func (w *Workspace) collect(candidate string, out map[string]string) error {
	info, err := os.Lstat(candidate)
	if err != nil {
		return nil // missing paths are not an error
	}
	if info.Mode().IsRegular() {
		return w.read(candidate, out)
	}
	if !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(candidate, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			return w.read(p, out)
		}
		return nil
	})
}

func (w *Workspace) read(p string, out map[string]string) error {
	rel, err := filepath.Rel(w.dir, p)
	if err != nil {
		return err
	}
	key := filepath.ToSlash(rel)
	if _, ok := out[key]; ok {
		return nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	out[key] = string(data)
	return nil
}
