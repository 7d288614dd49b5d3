// Package container implements the Docker-backed execution runtime:
// one idle container per runtime instance, kept alive with a sleeping
// entrypoint, with commands dispatched into it through docker exec
// subprocesses so their pipes behave exactly like local ones.
package container

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/envspec"
	"github.com/runbox/runbox/internal/runtime"
)

const (
	labelManagedBy = "managed-by"
	labelValue     = "runbox"
)

// stopGrace is how long ContainerStop waits before Docker escalates to
// SIGKILL. Sandbox containers hold no state worth a graceful exit.
const stopGrace = 1 // seconds

// supersedeTimeout bounds how long a new execution waits for the
// previous exec on the same runtime before killing it.
const supersedeTimeout = 10 * time.Second

// dockerAPI is the slice of the Docker engine client the runtime
// drives the container lifecycle through.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)

// Config configures a container runtime.
type Config struct {
	Spec         *envspec.Spec
	WorkingDir   string
	StaticAssets map[string]envspec.StaticAsset
	Options      runtime.SpawnOptions
	IsEvaluation bool
	Logger       *zap.Logger
}

// Runtime executes commands inside a dedicated Docker container. The
// container idles between commands; each Stream/Execute call runs one
// docker exec subprocess against it. If the container dies between
// calls it is transparently recreated.
type Runtime struct {
	spec   *envspec.Spec
	cwd    string
	assets map[string]envspec.StaticAsset
	opts   runtime.SpawnOptions
	isEval bool
	log    *zap.Logger
	cli    dockerAPI

	name        string
	containerID string

	mu       sync.Mutex
	active   *runtime.Child
	lastExit int
}

var _ runtime.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon and starts the sandbox container
// with its full volume table. Failures here are startup errors: the
// sandbox never came up.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &runtime.StartupError{Op: "docker client", Err: err}
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, &runtime.StartupError{Op: "docker ping", Err: err}
	}
	r := &Runtime{
		spec:     cfg.Spec,
		cwd:      cfg.WorkingDir,
		assets:   cfg.StaticAssets,
		opts:     cfg.Options,
		isEval:   cfg.IsEvaluation,
		log:      log,
		cli:      cli,
		name:     "runbox-" + uuid.NewString()[:8],
		lastExit: runtime.ExitUnknown,
	}
	if err := r.ensureContainer(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return r, nil
}

// ensureContainer guarantees a running container before an exec is
// dispatched. Anything short of a running container is torn down and
// recreated from scratch: restarting a stopped container would carry
// its stale container-layer state into the next execution.
func (r *Runtime) ensureContainer(ctx context.Context) error {
	if r.containerID != "" {
		info, err := r.cli.ContainerInspect(ctx, r.containerID)
		if err == nil && info.State != nil && info.State.Running {
			return nil
		}
		if err == nil {
			grace := stopGrace
			r.cli.ContainerStop(ctx, r.containerID, container.StopOptions{Timeout: &grace})
			r.cli.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true})
		}
		r.log.Warn("container is not running; recreating",
			zap.String("container", r.name))
		r.containerID = ""
	}
	return r.createContainer(ctx)
}

func (r *Runtime) createContainer(ctx context.Context) error {
	binds, err := buildBinds(r.spec, r.cwd, r.opts, r.assets)
	if err != nil {
		return &runtime.StartupError{Op: "compose volumes", Err: err}
	}
	networkMode := r.spec.EffectiveNetworkMode()
	exposed, bindings, err := portBindings(networkMode, r.opts.Ports)
	if err != nil {
		return &runtime.StartupError{Op: "compose ports", Err: err}
	}
	image := r.opts.Image
	if image == "" {
		image = r.spec.BaseImage()
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Cmd:          strslice.StrSlice{"sleep", "infinity"},
			Env:          runtime.EnvSlice(r.spec.FullEnv(r.opts.EnvVars)),
			WorkingDir:   r.spec.Docker.Workdir,
			User:         r.user(),
			Labels:       map[string]string{labelManagedBy: labelValue},
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			Binds:        bindStrings(binds),
			NetworkMode:  container.NetworkMode(networkMode),
			PortBindings: bindings,
		},
		nil, nil, r.name,
	)
	if err != nil {
		return &runtime.StartupError{Op: "container create", Err: err}
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return &runtime.StartupError{Op: "container start", Err: err}
	}
	r.containerID = resp.ID
	r.log.Info("container started",
		zap.String("container", r.name),
		zap.String("image", image),
		zap.Int("binds", len(binds)))
	return nil
}

// ContainerID returns the backing container's id, or ErrNoRuntime
// before the container exists (or after Kill removed it).
func (r *Runtime) ContainerID() (string, error) {
	if r.containerID == "" {
		return "", runtime.ErrNoRuntime
	}
	return r.containerID, nil
}

// user resolves the exec user: explicit spawn override, then the
// spec's evaluation user when evaluating, then the regular user.
func (r *Runtime) user() string {
	if r.opts.User != "" {
		return r.opts.User
	}
	if r.isEval {
		return r.spec.EvalUser()
	}
	return r.spec.ActualUser()
}

// prepareCommand wraps command with the setup protocol. With setup
// disabled the command runs unmodified and no sentinel is expected.
func (r *Runtime) prepareCommand(command string) (string, string, error) {
	if r.opts.DisableSetup {
		return command, "", nil
	}
	commands := r.spec.SetupCommands(r.isEval)
	if r.opts.SetupCommand != "" {
		commands = append(commands, r.opts.SetupCommand)
	}
	if !r.spec.Docker.MountWorkspace {
		// No shared filesystem to carry the script; inline it.
		return entryScript(commands, command), Sentinel, nil
	}
	if err := writeEntryScript(r.cwd, commands, command); err != nil {
		return "", "", &runtime.StartupError{Op: "write entry script", Err: err}
	}
	return "bash -l " + EntryScriptName, Sentinel, nil
}

// execArgs builds the docker exec invocation for command.
func (r *Runtime) execArgs(command string, env map[string]string, wantStdin bool) []string {
	args := []string{"exec"}
	if wantStdin {
		args = append(args, "-i")
	}
	args = append(args, "--workdir", r.spec.Docker.Workdir)
	if user := r.user(); user != "" {
		args = append(args, "--user", user)
	}
	for _, kv := range runtime.EnvSlice(r.spec.FullEnv(runtime.MergeEnv(r.opts.EnvVars, env))) {
		args = append(args, "--env", kv)
	}
	args = append(args, r.containerID, "/bin/sh", "-c", command)
	return args
}

// start dispatches one exec into the container, superseding any
// process still active from a prior call.
func (r *Runtime) start(ctx context.Context, command string, env map[string]string, wantStdin bool) (*runtime.Child, string, error) {
	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()
	if prev != nil && prev.Poll() == runtime.ExitRunning {
		select {
		case <-prev.Done():
		case <-time.After(supersedeTimeout):
			r.log.Warn("previous exec still running; killing it",
				zap.String("container", r.name))
			prev.Kill()
		}
	}

	if err := r.ensureContainer(ctx); err != nil {
		return nil, "", err
	}
	wrapped, sentinel, err := r.prepareCommand(command)
	if err != nil {
		return nil, "", err
	}
	cmd := exec.Command(r.spec.Docker.Binary, r.execArgs(wrapped, env, wantStdin)...)
	p, err := runtime.StartChild(cmd, wantStdin)
	if err != nil {
		return nil, "", &runtime.StartupError{Op: "launch docker exec", Err: err}
	}
	r.mu.Lock()
	r.active = p
	r.mu.Unlock()
	return p, sentinel, nil
}

// Stream launches command inside the container and delivers its output
// as events. stdin is a usage error for Stream.
func (r *Runtime) Stream(ctx context.Context, command string, env map[string]string, stdin []string, timeout time.Duration) (<-chan runtime.Event, error) {
	if stdin != nil {
		return nil, runtime.ErrStdinNotSupported
	}
	p, sentinel, err := r.start(ctx, command, env, false)
	if err != nil {
		return nil, err
	}
	r.log.Debug("streaming command",
		zap.String("container", r.name),
		zap.String("command", command),
		zap.Duration("timeout", timeout))

	events := make(chan runtime.Event, runtime.EventBuffer)
	mux := &runtime.Mux{Sentinel: sentinel, Timeout: timeout, Kill: p.Kill, Wait: p.Wait}
	go func() {
		defer close(events)
		result := mux.Consume(ctx, p.Stdout, p.Stderr, events)
		r.finish(p, result)
		ev := runtime.Event{Kind: runtime.EventFinished, Result: result}
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

// Execute runs command inside the container to completion. A timeout
// is reported in-band, never as an error.
func (r *Runtime) Execute(ctx context.Context, command string, env map[string]string, stdin []string, timeout time.Duration) (*runtime.Result, error) {
	p, sentinel, err := r.start(ctx, command, env, stdin != nil)
	if err != nil {
		return nil, err
	}
	if stdin != nil {
		if err := p.WriteStdin(stdin); err != nil {
			p.Kill()
			r.finish(p, &runtime.Result{ExitCode: p.Wait()})
			return nil, err
		}
	} else {
		p.CloseStdin()
	}
	r.log.Debug("executing command",
		zap.String("container", r.name),
		zap.String("command", command),
		zap.Duration("timeout", timeout))

	mux := &runtime.Mux{Sentinel: sentinel, Timeout: timeout, Kill: p.Kill, Wait: p.Wait}
	result := mux.Consume(ctx, p.Stdout, p.Stderr, nil)
	r.finish(p, result)
	return result, nil
}

func (r *Runtime) finish(p *runtime.Child, result *runtime.Result) {
	p.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == p {
		r.active = nil
	}
	r.lastExit = result.ExitCode
}

// Poll reports the active exec's status without blocking. With nothing
// in flight it returns the last known exit code, or ExitUnknown if
// nothing has run.
func (r *Runtime) Poll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return r.lastExit
	}
	code := r.active.Poll()
	if code == runtime.ExitRunning {
		return runtime.ExitRunning
	}
	r.active = nil
	r.lastExit = code
	return code
}

// Kill terminates the active exec and tears the container down. The
// next Stream/Execute call recreates it. Idempotent.
func (r *Runtime) Kill() {
	r.mu.Lock()
	p := r.active
	r.active = nil
	r.mu.Unlock()
	if p != nil {
		p.Kill()
		r.mu.Lock()
		r.lastExit = p.Wait()
		r.mu.Unlock()
	}
	r.removeContainer()
}

func (r *Runtime) removeContainer() {
	if r.containerID == "" {
		return
	}
	ctx := context.Background()
	grace := stopGrace
	if err := r.cli.ContainerStop(ctx, r.containerID, container.StopOptions{Timeout: &grace}); err != nil {
		r.cli.ContainerKill(ctx, r.containerID, "KILL")
	}
	if err := r.cli.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true}); err != nil {
		r.log.Warn("container remove failed",
			zap.String("container", r.name),
			zap.Error(err))
	}
	r.containerID = ""
}

// Cleanup tears down the container and releases the Docker client.
// Idempotent; a cleaned-up runtime cannot be reused.
func (r *Runtime) Cleanup() {
	r.Kill()
	if r.cli != nil {
		r.cli.Close()
		r.cli = nil
	}
}

// SweepOrphans removes leftover sandbox containers from previous runs,
// identified by the managed-by label. Useful after a crash left
// containers behind.
func SweepOrphans(ctx context.Context, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return err
	}
	grace := stopGrace
	for _, c := range containers {
		log.Info("removing orphan container", zap.String("id", c.ID[:12]))
		cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &grace})
		cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
	return nil
}
