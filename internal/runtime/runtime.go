// Package runtime defines the polymorphic execution contract shared by
// every sandbox backend, the event/result types produced by command
// execution, and the stream multiplexer that turns raw process output
// into ordered events. The local-process backend lives here; the
// container backend lives in internal/container.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventKind tags one streamed unit of output.
type EventKind string

const (
	EventStdout   EventKind = "stdout"
	EventStderr   EventKind = "stderr"
	EventFinished EventKind = "finished"
)

// Event is one unit of streamed output, or the terminal completion
// signal carrying the final result. Exactly one finished event
// terminates every Stream call, and it is always last.
type Event struct {
	Kind   EventKind
	Text   string
	Result *Result
}

// Result is the fully resolved outcome of one command execution.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	SetupStdout string
	SetupStderr string
	Elapsed     time.Duration
	TimedOut    bool
}

// Exit code sentinels returned by Poll.
const (
	// ExitUnknown means the exit status could not be determined, or no
	// process has run yet.
	ExitUnknown = -1
	// ExitRunning means a process is still in flight.
	ExitRunning = -2
)

// StartupError reports that a process could not be launched at all:
// missing binary, container creation failure, missing pipes. It is
// distinct from a command that launched and then failed or timed out,
// which is represented in-band via Result.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// startupErr wraps err as a StartupError.
func startupErr(op string, err error) error {
	return &StartupError{Op: op, Err: err}
}

// ErrStdinNotSupported is returned when stdin is supplied to Stream,
// which only runs non-interactive processes.
var ErrStdinNotSupported = errors.New("stdin is not supported for Stream")

// ErrNoRuntime is returned when a backing handle (such as a container
// id) is requested before the backend has created one.
var ErrNoRuntime = errors.New("runtime has no backing handle")

// MountSpec describes a spawn-time volume mount. An empty Mode means
// read-only.
type MountSpec struct {
	Bind string
	Mode string
}

// SpawnOptions are the caller-supplied overrides accepted by
// Session.Spawn and passed through to the backend.
type SpawnOptions struct {
	// Ports maps container port to host port. Ignored under host
	// networking.
	Ports map[int]int
	// Mounts maps host paths to container mount specs.
	Mounts map[string]MountSpec
	// EnvVars are merged under per-call environment variables.
	EnvVars map[string]string
	// SetupCommand is appended after the spec-level setup commands.
	SetupCommand string
	// Image overrides the spec's container image.
	Image string
	// User overrides the resolved sandbox user.
	User string
	// DisableSetup bypasses the setup/command separation protocol and
	// runs the caller's command unmodified.
	DisableSetup bool
}

// Runtime is a handle to one execution backend capable of running
// commands in isolation. Implementations are not safe for concurrent
// Stream/Execute calls on the same instance; callers spawn additional
// runtimes for concurrency.
//
// Stream launches command and delivers output chunks as events,
// terminated by exactly one finished event, after which the channel is
// closed. Abandoning the channel does not kill the process; cancel ctx
// or call Kill explicitly. Execute blocks until completion or timeout
// and returns the synthesized result; an ordinary timeout is not an
// error. Poll never blocks; Kill and Cleanup are idempotent and never
// fail on nothing-to-do.
type Runtime interface {
	Stream(ctx context.Context, command string, env map[string]string, stdin []string, timeout time.Duration) (<-chan Event, error)
	Execute(ctx context.Context, command string, env map[string]string, stdin []string, timeout time.Duration) (*Result, error)
	Poll() int
	Kill()
	Cleanup()
}

// MergeEnv overlays call-level env on top of spawn-level env.
func MergeEnv(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
