package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/envspec"
)

// supersedeTimeout bounds how long a new execution waits for the
// previous process on the same runtime before killing it.
const supersedeTimeout = 10 * time.Second

// LocalConfig configures a local-process runtime.
type LocalConfig struct {
	Spec         *envspec.Spec
	WorkingDir   string
	Options      SpawnOptions
	IsEvaluation bool
	Logger       *zap.Logger
}

// LocalRuntime executes commands directly on the host, without
// containerization. Setup commands run once at construction; the
// sentinel protocol is not needed because setup output never shares a
// process with command output.
type LocalRuntime struct {
	spec    *envspec.Spec
	cwd     string
	envVars map[string]string
	log     *zap.Logger

	mu       sync.Mutex
	active   *Child
	lastExit int
}

var _ Runtime = (*LocalRuntime)(nil)

// NewLocal constructs a local runtime and synchronously runs the
// spec's setup commands (plus any spawn-time setup command) in the
// working directory. Setup failures are logged, not fatal: the
// submission's own execution decides the outcome.
func NewLocal(cfg LocalConfig) (*LocalRuntime, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &LocalRuntime{
		spec:     cfg.Spec,
		cwd:      cfg.WorkingDir,
		envVars:  cfg.Options.EnvVars,
		log:      log,
		lastExit: ExitUnknown,
	}
	if !cfg.Options.DisableSetup {
		commands := cfg.Spec.SetupCommands(cfg.IsEvaluation)
		if cfg.Options.SetupCommand != "" {
			commands = append(commands, cfg.Options.SetupCommand)
		}
		for _, command := range commands {
			if err := r.runSetupCommand(command); err != nil {
				log.Warn("setup command failed",
					zap.String("command", command),
					zap.Error(err))
			}
		}
	}
	return r, nil
}

func (r *LocalRuntime) runSetupCommand(command string) error {
	var cmd *exec.Cmd
	if shell := r.spec.Local.Shell; shell != "" {
		cmd = exec.Command(shell, "-c", command)
	} else {
		argv, err := shlex.Split(command)
		if err != nil || len(argv) == 0 {
			return fmt.Errorf("invalid setup command %q: %v", command, err)
		}
		cmd = exec.Command(argv[0], argv[1:]...)
	}
	cmd.Dir = r.cwd
	cmd.Env = EnvSlice(r.spec.FullEnv(r.envVars))
	return cmd.Run()
}

// Stream launches command and delivers its output as events. stdin is
// a usage error for Stream.
func (r *LocalRuntime) Stream(ctx context.Context, command string, env map[string]string, stdin []string, timeout time.Duration) (<-chan Event, error) {
	if stdin != nil {
		return nil, ErrStdinNotSupported
	}
	p, err := r.start(command, env, false)
	if err != nil {
		return nil, err
	}
	r.log.Debug("streaming local process",
		zap.String("command", command),
		zap.Duration("timeout", timeout))

	events := make(chan Event, EventBuffer)
	mux := &Mux{Timeout: timeout, Kill: p.Kill, Wait: p.Wait}
	go func() {
		defer close(events)
		result := mux.Consume(ctx, p.Stdout, p.Stderr, events)
		r.finish(p, result)
		ev := Event{Kind: EventFinished, Result: result}
		select {
		case events <- ev:
		case <-ctx.Done():
			// A cancelled consumer still gets the terminal event when
			// the buffer has room for it.
			select {
			case events <- ev:
			default:
			}
		}
	}()
	return events, nil
}

// Execute runs command to completion and returns the synthesized
// result. A timeout is reported in-band, never as an error.
func (r *LocalRuntime) Execute(ctx context.Context, command string, env map[string]string, stdin []string, timeout time.Duration) (*Result, error) {
	p, err := r.start(command, env, stdin != nil)
	if err != nil {
		return nil, err
	}
	if stdin != nil {
		if err := p.WriteStdin(stdin); err != nil {
			p.Kill()
			r.finish(p, &Result{ExitCode: p.Wait()})
			return nil, err
		}
	} else {
		p.CloseStdin()
	}
	r.log.Debug("executing local command",
		zap.String("command", command),
		zap.Duration("timeout", timeout))

	mux := &Mux{Timeout: timeout, Kill: p.Kill, Wait: p.Wait}
	result := mux.Consume(ctx, p.Stdout, p.Stderr, nil)
	r.finish(p, result)
	return result, nil
}

// start tokenizes and launches the command, superseding any process
// still active from a prior call.
func (r *LocalRuntime) start(command string, env map[string]string, wantStdin bool) (*Child, error) {
	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()
	if prev != nil && prev.Poll() == ExitRunning {
		select {
		case <-prev.Done():
		case <-time.After(supersedeTimeout):
			r.log.Warn("previous process still running; killing it")
			prev.Kill()
		}
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return nil, startupErr("parse command", err)
	}
	if len(argv) == 0 {
		return nil, startupErr("empty command", nil)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.cwd
	cmd.Env = EnvSlice(r.spec.FullEnv(MergeEnv(r.envVars, env)))

	var p *Child
	if r.spec.Local.RequiresTTY && !wantStdin {
		p, err = StartChildPty(cmd, pty.Start)
	} else {
		p, err = StartChild(cmd, wantStdin)
	}
	if err != nil {
		return nil, startupErr("launch process", err)
	}
	r.mu.Lock()
	r.active = p
	r.mu.Unlock()
	return p, nil
}

// finish releases the drained pipes and records the completed
// execution's exit code.
func (r *LocalRuntime) finish(p *Child, result *Result) {
	p.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == p {
		r.active = nil
	}
	r.lastExit = result.ExitCode
}

// Poll reports the active process's status without blocking. With no
// process in flight it returns the last known exit code, or
// ExitUnknown if nothing has run.
func (r *LocalRuntime) Poll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return r.lastExit
	}
	code := r.active.Poll()
	if code == ExitRunning {
		return ExitRunning
	}
	r.active = nil
	r.lastExit = code
	return code
}

// Kill forcibly terminates any active process. Idempotent.
func (r *LocalRuntime) Kill() {
	r.mu.Lock()
	p := r.active
	r.active = nil
	r.mu.Unlock()
	if p == nil {
		return
	}
	p.Kill()
	r.mu.Lock()
	r.lastExit = p.Wait()
	r.mu.Unlock()
}

// Cleanup releases the runtime. Equivalent to Kill for the local
// backend, which holds no client handles.
func (r *LocalRuntime) Cleanup() {
	r.Kill()
}

// EnvSlice flattens an environment map into sorted KEY=VALUE form.
func EnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
