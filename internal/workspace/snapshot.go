package workspace

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
)

// FileState is the captured content and mode of one workspace file.
type FileState struct {
	Data []byte
	Mode fs.FileMode
}

// Digest returns the blake3 digest of the file content.
func (f FileState) Digest() string {
	sum := blake3.Sum256(f.Data)
	return hex.EncodeToString(sum[:])
}

// Snapshot is an immutable capture of a workspace file tree, keyed by
// slash-separated relative path.
type Snapshot struct {
	Files    map[string]FileState
	Checksum string
}

// Capture walks dir and snapshots every regular file not excluded by
// the ignore globs. Keep globs override ignores. Symlinks are skipped.
func Capture(dir string, ignoreGlobs, keepGlobs []string) (*Snapshot, error) {
	files := make(map[string]FileState)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		excluded := matchesAny(ignoreGlobs, rel) && !matchesAny(keepGlobs, rel)
		if d.IsDir() {
			if excluded {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || excluded {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = FileState{Data: data, Mode: info.Mode().Perm()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("capture snapshot of %s: %w", dir, err)
	}
	return &Snapshot{Files: files, Checksum: checksum(files)}, nil
}

// checksum digests the sorted (path, content digest) pairs so two
// snapshots with identical trees compare equal by string.
func checksum(files map[string]FileState) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := blake3.New()
	for _, p := range paths {
		io.WriteString(h, p)
		io.WriteString(h, "\x00")
		io.WriteString(h, files[p].Digest())
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// matchesAny reports whether rel matches any of the glob patterns.
// A trailing "/*" matches the whole subtree; other patterns match the
// relative path or its base name.
func matchesAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, pat := range patterns {
		if prefix, ok := strings.CutSuffix(pat, "/*"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// Extract materializes every snapshot file under dir, creating parent
// directories as needed. Existing files are overwritten.
func (s *Snapshot) Extract(dir string) error {
	for rel, state := range s.Files {
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
		mode := state.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, state.Data, mode); err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
		// WriteFile only applies the mode on creation.
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
	}
	return nil
}

// Diff describes how other differs from s.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the diff records no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff compares s (the before state) with other (the after state).
func (s *Snapshot) Diff(other *Snapshot) *Diff {
	d := &Diff{}
	for p, after := range other.Files {
		before, ok := s.Files[p]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case before.Digest() != after.Digest():
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range s.Files {
		if _, ok := other.Files[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}

// WriteArchive saves the snapshot as a tar archive at dest. The
// compression argument accepts "gz" or "none".
func (s *Snapshot) WriteArchive(dest, compression string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("write snapshot archive: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	switch compression {
	case "gz":
		gz = gzip.NewWriter(f)
		w = gz
	case "none", "":
	default:
		return fmt.Errorf("unsupported snapshot compression %q", compression)
	}

	tw := tar.NewWriter(w)
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		state := s.Files[p]
		hdr := &tar.Header{
			Name: p,
			Mode: int64(state.Mode.Perm()),
			Size: int64(len(state.Data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write snapshot archive: %w", err)
		}
		if _, err := tw.Write(state.Data); err != nil {
			return fmt.Errorf("write snapshot archive: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("write snapshot archive: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("write snapshot archive: %w", err)
		}
	}
	return f.Close()
}

// ReadArchive loads a snapshot previously saved with WriteArchive.
// Gzip compression is detected from the stream.
func ReadArchive(src string) (*Snapshot, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read snapshot archive: %w", err)
	}
	var r io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("read snapshot archive: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	files := make(map[string]FileState)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read snapshot archive: %w", err)
		}
		files[path.Clean(hdr.Name)] = FileState{
			Data: content,
			Mode: fs.FileMode(hdr.Mode).Perm(),
		}
	}
	return &Snapshot{Files: files, Checksum: checksum(files)}, nil
}
