package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/runbox/runbox/internal/envspec"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/workspace"
)

func localConfig() Config {
	return Config{Spec: &envspec.Spec{Kind: envspec.KindLocal}}
}

func runtimeOptions() runtime.SpawnOptions {
	return runtime.SpawnOptions{}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	target := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewRequiresSpec(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
}

func TestWithCleansUpWorkspace(t *testing.T) {
	t.Parallel()
	var dir string
	err := With(localConfig(), func(s *Session) error {
		var err error
		dir, err = s.Workspace().WorkingDir()
		return err
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace %s survived the session", dir)
	}
}

func TestWithCleansUpOnPanic(t *testing.T) {
	t.Parallel()
	var dir string
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		With(localConfig(), func(s *Session) error {
			dir, _ = s.Workspace().WorkingDir()
			panic("boom")
		})
	}()
	if dir == "" {
		t.Fatal("session never prepared")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace %s survived a panic", dir)
	}
}

func TestSpawnExecutesInWorkspace(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, src, "input.txt", "data")
	initial, err := workspace.Capture(src, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := localConfig()
	cfg.Initial = initial

	err = With(cfg, func(s *Session) error {
		rt, err := s.Spawn(context.Background(), runtimeOptions())
		if err != nil {
			return err
		}
		res, err := rt.Execute(context.Background(), "cat input.txt", nil, nil, 0)
		if err != nil {
			return err
		}
		if res.Stdout != "data" {
			t.Errorf("Stdout = %q, want data", res.Stdout)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestSpawnUnknownKind(t *testing.T) {
	t.Parallel()
	err := With(Config{Spec: &envspec.Spec{Kind: "vm"}}, func(s *Session) error {
		_, err := s.Spawn(context.Background(), runtimeOptions())
		return err
	})
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
}

func TestResetRestoresWorkspace(t *testing.T) {
	t.Parallel()
	err := With(localConfig(), func(s *Session) error {
		dir, err := s.Workspace().WorkingDir()
		if err != nil {
			return err
		}
		writeFile(t, dir, "scratch.txt", "leftover")
		if err := s.Reset(); err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(dir, "scratch.txt")); !os.IsNotExist(err) {
			t.Error("scratch.txt survived Reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestRestoreFromSnapshotDir(t *testing.T) {
	t.Parallel()
	err := With(localConfig(), func(s *Session) error {
		if err := s.RestoreFromSnapshotDir(filepath.Join(t.TempDir(), "missing")); err == nil {
			t.Error("restore from a missing directory should fail")
		} else {
			var sessErr *Error
			if !errors.As(err, &sessErr) {
				t.Errorf("err = %v, want *Error", err)
			}
		}

		src := t.TempDir()
		writeFile(t, src, "restored.txt", "state")
		if err := s.RestoreFromSnapshotDir(src); err != nil {
			return err
		}
		got, err := s.GetFileContents([]string{"restored.txt"})
		if err != nil {
			return err
		}
		if got["restored.txt"] != "state" {
			t.Errorf("restored.txt = %q", got["restored.txt"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestMaterializeAndReadBack(t *testing.T) {
	t.Parallel()
	err := With(localConfig(), func(s *Session) error {
		err := s.MaterializeInputFiles([]workspace.InputFile{
			{Path: "solution.py", Content: []byte("print(42)\n")},
		})
		if err != nil {
			return err
		}
		got, err := s.GetFileContents([]string{"*.py"})
		if err != nil {
			return err
		}
		if got["solution.py"] != "print(42)\n" {
			t.Errorf("solution.py = %q", got["solution.py"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestFinishCheckpoint(t *testing.T) {
	t.Parallel()
	cfg := localConfig()
	cfg.AgentAuthored = true
	outputDir := t.TempDir()

	err := With(cfg, func(s *Session) error {
		dir, err := s.Workspace().WorkingDir()
		if err != nil {
			return err
		}
		writeFile(t, dir, "work.txt", "progress")
		diff, err := s.FinishCheckpoint(outputDir)
		if err != nil {
			return err
		}
		if len(diff.Added) != 1 || diff.Added[0] != "work.txt" {
			t.Errorf("diff = %+v", diff)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(outputDir, "work.txt"))
	if err != nil {
		t.Fatalf("checkpoint output missing: %v", err)
	}
	if string(data) != "progress" {
		t.Errorf("checkpoint content = %q", data)
	}
}

func TestFinishCheckpointArchives(t *testing.T) {
	t.Parallel()
	archiveDir := t.TempDir()
	cfg := Config{
		Spec: &envspec.Spec{
			Kind: envspec.KindLocal,
			Snapshot: envspec.SnapshotConfig{
				Compression:    "gz",
				ArchiveSaveDir: archiveDir,
			},
		},
		AgentAuthored: true,
	}
	err := With(cfg, func(s *Session) error {
		dir, err := s.Workspace().WorkingDir()
		if err != nil {
			return err
		}
		writeFile(t, dir, "result.txt", "42")
		_, err = s.FinishCheckpoint("")
		return err
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	archives, err := filepath.Glob(filepath.Join(archiveDir, "workspace-*.tar.gz"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("archives = %v (err %v), want exactly one", archives, err)
	}
	restored, err := workspace.ReadArchive(archives[0])
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if got := string(restored.Files["result.txt"].Data); got != "42" {
		t.Errorf("archived result.txt = %q, want 42", got)
	}
}

func TestFinishCheckpointRequiresAgentWorkspace(t *testing.T) {
	t.Parallel()
	err := With(localConfig(), func(s *Session) error {
		_, err := s.FinishCheckpoint("")
		return err
	})
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
}

func TestResolveStaticPlaceholders(t *testing.T) {
	t.Parallel()
	assets := map[string]envspec.StaticAsset{
		"corpus": {AbsolutePath: "/srv/corpus", SavePath: "corpus"},
	}

	t.Run("local resolves to host path", func(t *testing.T) {
		t.Parallel()
		s, err := New(Config{
			Spec:         &envspec.Spec{Kind: envspec.KindLocal},
			StaticAssets: assets,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := s.ResolveStaticPlaceholders("{{static:corpus}}/x"); got != "/srv/corpus/x" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("docker resolves to mount path", func(t *testing.T) {
		t.Parallel()
		s, err := New(Config{
			Spec: &envspec.Spec{
				Kind:   envspec.KindDocker,
				Docker: envspec.DockerConfig{Image: "python:3.12"},
			},
			StaticAssets: assets,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := s.ResolveStaticPlaceholders("{{static:corpus}}/x"); got != "/static/corpus/x" {
			t.Errorf("got %q", got)
		}
	})
}
