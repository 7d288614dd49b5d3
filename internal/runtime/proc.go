package runtime

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killReapTimeout bounds how long Kill waits for a forcibly terminated
// process to be reaped before giving up on the process group and
// signalling the process directly.
const killReapTimeout = 5 * time.Second

// Child wraps one spawned child process with explicitly owned pipes.
// The pipes are created with os.Pipe rather than exec's StdoutPipe so
// the reaper goroutine can Wait concurrently with readers draining
// them.
type Child struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	stdin  io.WriteCloser

	done chan struct{}
	mu   sync.Mutex
	exit int
}

// StartChild launches cmd in its own process group with stdout/stderr
// pipes attached. When wantStdin is set a stdin pipe is attached too.
func StartChild(cmd *exec.Cmd, wantStdin bool) (*Child, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var stdinR *os.File
	var stdinW *os.File
	if wantStdin {
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			stderrR.Close()
			stderrW.Close()
			return nil, err
		}
		cmd.Stdin = stdinR
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		if stdinR != nil {
			stdinR.Close()
			stdinW.Close()
		}
		return nil, err
	}

	// The child holds the write ends now; the parent's copies must be
	// closed so readers see EOF when the child exits.
	stdoutW.Close()
	stderrW.Close()
	if stdinR != nil {
		stdinR.Close()
	}

	p := &Child{
		cmd:    cmd,
		Stdout: stdoutR,
		Stderr: stderrR,
		done:   make(chan struct{}),
		exit:   ExitUnknown,
	}
	if stdinW != nil {
		p.stdin = stdinW
	}
	go p.reap()
	return p, nil
}

// StartChildPty launches cmd under a pseudo-terminal via ptyStart. All
// output arrives on the single pty stream, surfaced as stdout; stderr
// reads EOF immediately.
func StartChildPty(cmd *exec.Cmd, ptyStart func(*exec.Cmd) (*os.File, error)) (*Child, error) {
	ptmx, err := ptyStart(cmd)
	if err != nil {
		return nil, err
	}
	p := &Child{
		cmd:    cmd,
		Stdout: &ptyReader{f: ptmx},
		Stderr: io.NopCloser(emptyReader{}),
		done:   make(chan struct{}),
		exit:   ExitUnknown,
	}
	go p.reap()
	return p, nil
}

// reap records the exit code once the child is gone. The pipe read
// ends stay open: the parent's write-end copies were closed at start,
// so readers see EOF only after draining whatever the child left
// buffered in the pipes. Close releases them once draining is done.
func (p *Child) reap() {
	_ = p.cmd.Wait()
	code := ExitUnknown
	if state := p.cmd.ProcessState; state != nil {
		if c := state.ExitCode(); c >= 0 {
			code = c
		}
	}
	p.mu.Lock()
	p.exit = code
	p.mu.Unlock()
	close(p.done)
}

// Done is closed once the process has been reaped.
func (p *Child) Done() <-chan struct{} { return p.done }

// Poll returns the exit code, or ExitRunning while the process is
// still in flight. Never blocks.
func (p *Child) Poll() int {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exit
	default:
		return ExitRunning
	}
}

// Wait blocks until the process is reaped and returns its exit code.
func (p *Child) Wait() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Kill forcibly terminates the process group, waiting a bounded time
// for the reaper before falling back to signalling the process alone.
func (p *Child) Kill() {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	_ = unix.Kill(-pid, unix.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(killReapTimeout):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

// WriteStdin writes the ordered chunks to the child's stdin and closes
// the pipe.
func (p *Child) WriteStdin(chunks []string) error {
	if p.stdin == nil {
		return startupErr("stdin requested but pipe is missing", nil)
	}
	defer p.stdin.Close()
	for _, chunk := range chunks {
		if _, err := io.WriteString(p.stdin, chunk); err != nil {
			return startupErr("write stdin", err)
		}
	}
	return nil
}

// Close releases the output read ends. Only call once the output has
// been fully drained: closing early discards anything still buffered
// in the pipes.
func (p *Child) Close() {
	p.Stdout.Close()
	p.Stderr.Close()
}

// CloseStdin closes the stdin pipe if one was attached.
func (p *Child) CloseStdin() {
	if p.stdin != nil {
		p.stdin.Close()
	}
}

// ptyReader treats the EIO a pty master returns after the child exits
// as a normal EOF.
type ptyReader struct {
	f *os.File
}

func (r *ptyReader) Read(buf []byte) (int, error) {
	n, err := r.f.Read(buf)
	if err != nil && err != io.EOF {
		return n, io.EOF
	}
	return n, err
}

func (r *ptyReader) Close() error { return r.f.Close() }

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
