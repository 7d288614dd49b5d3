package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runbox/runbox/internal/envspec"
)

func localSpec() *envspec.Spec {
	return &envspec.Spec{Kind: envspec.KindLocal}
}

func newLocalRuntime(t *testing.T, spec *envspec.Spec, opts SpawnOptions) *LocalRuntime {
	t.Helper()
	r, err := NewLocal(LocalConfig{
		Spec:       spec,
		WorkingDir: t.TempDir(),
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(r.Cleanup)
	return r
}

func TestLocalExecute(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	res, err := r.Execute(context.Background(),
		`sh -c 'echo out; echo err >&2; exit 3'`, nil, nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("TimedOut set on a completed command")
	}
	if got := r.Poll(); got != 3 {
		t.Errorf("Poll = %d, want 3", got)
	}
}

func TestLocalExecuteEnv(t *testing.T) {
	t.Parallel()
	spec := localSpec()
	spec.Environment.Env = map[string]string{"FROM_SPEC": "a"}
	r := newLocalRuntime(t, spec, SpawnOptions{
		EnvVars: map[string]string{"FROM_SPAWN": "b"},
	})
	res, err := r.Execute(context.Background(),
		`sh -c 'printf "%s-%s-%s" "$FROM_SPEC" "$FROM_SPAWN" "$FROM_CALL"'`,
		map[string]string{"FROM_CALL": "c"}, nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "a-b-c" {
		t.Errorf("Stdout = %q, want a-b-c", res.Stdout)
	}
}

func TestLocalExecuteFastExitLargeOutput(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	const want = 256 * 1024
	for i := 0; i < 20; i++ {
		res, err := r.Execute(context.Background(),
			`sh -c 'head -c 262144 /dev/zero | tr "\0" x'`, nil, nil, 0)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(res.Stdout) != want {
			t.Fatalf("iteration %d: got %d bytes of stdout, want %d (lost %d)",
				i, len(res.Stdout), want, want-len(res.Stdout))
		}
		if res.ExitCode != 0 {
			t.Fatalf("iteration %d: ExitCode = %d", i, res.ExitCode)
		}
	}
}

func TestLocalExecuteStdin(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	res, err := r.Execute(context.Background(), "cat", nil,
		[]string{"first\n", "second\n"}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "first\nsecond\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
}

func TestLocalExecuteTimeout(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	start := time.Now()
	res, err := r.Execute(context.Background(), "sleep 30", nil, nil, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Execute took %v, the watchdog did not fire", elapsed)
	}
	if got := r.Poll(); got == ExitRunning {
		t.Error("Poll still reports running after a timed out execution")
	}
}

func TestLocalExecuteStartupError(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	_, err := r.Execute(context.Background(), "definitely-not-a-binary-xyz", nil, nil, 0)
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("err = %v, want StartupError", err)
	}
}

func TestLocalStream(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	events, err := r.Stream(context.Background(),
		`sh -c 'printf alpha; printf beta >&2'`, nil, nil, 0)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var stdout, stderr string
	var finished *Event
	for ev := range events {
		switch ev.Kind {
		case EventStdout:
			stdout += ev.Text
		case EventStderr:
			stderr += ev.Text
		case EventFinished:
			if finished != nil {
				t.Fatal("more than one finished event")
			}
			ev := ev
			finished = &ev
		}
	}
	if finished == nil {
		t.Fatal("no finished event")
	}
	if finished.Result == nil || finished.Result.ExitCode != 0 {
		t.Errorf("finished result = %+v", finished.Result)
	}
	if stdout != "alpha" || stderr != "beta" {
		t.Errorf("stdout=%q stderr=%q", stdout, stderr)
	}
	if finished.Result.Stdout != stdout {
		t.Errorf("result stdout %q differs from streamed %q", finished.Result.Stdout, stdout)
	}
}

func TestLocalStreamFinishedAfterCancel(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events, err := r.Stream(ctx, "echo hi", nil, nil, 0)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	finished := 0
	for ev := range events {
		if ev.Kind == EventFinished {
			finished++
		}
	}
	if finished != 1 {
		t.Fatalf("finished events = %d, want exactly 1", finished)
	}
}

func TestLocalStreamRejectsStdin(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	if _, err := r.Stream(context.Background(), "cat", nil, []string{"x"}, 0); !errors.Is(err, ErrStdinNotSupported) {
		t.Errorf("err = %v, want ErrStdinNotSupported", err)
	}
}

func TestLocalSetupCommandsRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	spec := localSpec()
	spec.Local.Shell = "/bin/sh"
	spec.Setup.Commands = []string{"touch setup-ran"}
	r, err := NewLocal(LocalConfig{
		Spec:       spec,
		WorkingDir: dir,
		Options:    SpawnOptions{SetupCommand: "touch spawn-ran"},
	})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(r.Cleanup)
	for _, marker := range []string{"setup-ran", "spawn-ran"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err != nil {
			t.Errorf("setup marker %s missing: %v", marker, err)
		}
	}
}

func TestLocalSetupDisabled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	spec := localSpec()
	spec.Local.Shell = "/bin/sh"
	spec.Setup.Commands = []string{"touch setup-ran"}
	r, err := NewLocal(LocalConfig{
		Spec:       spec,
		WorkingDir: dir,
		Options:    SpawnOptions{DisableSetup: true},
	})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(r.Cleanup)
	if _, err := os.Stat(filepath.Join(dir, "setup-ran")); !os.IsNotExist(err) {
		t.Error("setup ran despite DisableSetup")
	}
}

func TestLocalKillIdempotent(t *testing.T) {
	t.Parallel()
	r := newLocalRuntime(t, localSpec(), SpawnOptions{})
	r.Kill()
	r.Kill()
	r.Cleanup()
	if got := r.Poll(); got != ExitUnknown {
		t.Errorf("Poll = %d, want ExitUnknown before any run", got)
	}
}
