package runtime

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// readChunkSize is how much each pump reads from its pipe per call.
const readChunkSize = 4096

// EventBuffer is the capacity of the event channel handed to Stream
// callers; it bounds delivery latency without letting a slow consumer
// stall the pumps indefinitely.
const EventBuffer = 64

// muxChunk is one tagged read from a pipe. A nil data marks the pipe
// closed.
type muxChunk struct {
	kind EventKind
	data []byte
}

// Mux merges a process's stdout and stderr into a single ordered
// sequence, enforcing the timeout and, when a sentinel is configured,
// separating setup output from command output.
type Mux struct {
	// Sentinel, when non-empty, activates the setup/command split:
	// output on each stream is buffered and withheld until the first
	// occurrence of the sentinel on that stream.
	Sentinel string
	Timeout  time.Duration
	// Kill terminates the active process when the timeout expires.
	Kill func()
	// Wait blocks until the process is reaped and returns its exit
	// code.
	Wait func() int
}

// streamState tracks the per-origin split between setup output and
// command output.
type streamState struct {
	pending bytes.Buffer // withheld until the sentinel is seen
	out     bytes.Buffer
	setup   string
	seen    bool // sentinel observed (or protocol disabled)
}

// Consume drains both pipes to completion and returns the synthesized
// result. When events is non-nil, command-output chunks are emitted on
// it as they arrive; emission stops if ctx is cancelled, but draining
// continues so the process is always fully reaped.
func (m *Mux) Consume(ctx context.Context, stdout, stderr io.Reader, events chan<- Event) *Result {
	start := time.Now()
	chunks := make(chan muxChunk, 16)

	var g errgroup.Group
	g.Go(func() error { return pump(stdout, EventStdout, chunks) })
	g.Go(func() error { return pump(stderr, EventStderr, chunks) })

	var timerC <-chan time.Time
	if m.Timeout > 0 {
		timer := time.NewTimer(m.Timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	states := map[EventKind]*streamState{
		EventStdout: {seen: m.Sentinel == ""},
		EventStderr: {seen: m.Sentinel == ""},
	}

	timedOut := false
	dropped := false
	emit := func(kind EventKind, text string) {
		if events == nil || dropped || text == "" {
			return
		}
		select {
		case events <- Event{Kind: kind, Text: text}:
		case <-ctx.Done():
			dropped = true
		}
	}

	open := 2
	for open > 0 {
		select {
		case c := <-chunks:
			if c.data == nil {
				open--
				continue
			}
			st := states[c.kind]
			if st.seen {
				st.out.Write(c.data)
				emit(c.kind, string(c.data))
				continue
			}
			st.pending.Write(c.data)
			if idx := strings.Index(st.pending.String(), m.Sentinel); idx >= 0 {
				buffered := st.pending.String()
				st.setup = buffered[:idx]
				rest := buffered[idx+len(m.Sentinel):]
				st.seen = true
				st.pending.Reset()
				st.out.WriteString(rest)
				emit(c.kind, rest)
			}
		case <-timerC:
			timedOut = true
			timerC = nil
			m.Kill()
		}
	}
	_ = g.Wait()

	// A stream that never produced the sentinel (setup failed, timed
	// out, or the protocol was skipped server-side) attributes all of
	// its buffered output to the command.
	for _, st := range states {
		if !st.seen {
			st.out.Write(st.pending.Bytes())
		}
	}

	exitCode := m.Wait()
	if exitCode == ExitRunning {
		exitCode = ExitUnknown
	}
	return &Result{
		ExitCode:    exitCode,
		Stdout:      states[EventStdout].out.String(),
		Stderr:      states[EventStderr].out.String(),
		SetupStdout: states[EventStdout].setup,
		SetupStderr: states[EventStderr].setup,
		Elapsed:     time.Since(start),
		TimedOut:    timedOut,
	}
}

// pump copies r into the chunk channel in fixed-size reads, closing
// its origin with a nil-data marker when the pipe is exhausted.
func pump(r io.Reader, kind EventKind, out chan<- muxChunk) error {
	defer func() { out <- muxChunk{kind: kind} }()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- muxChunk{kind: kind, data: data}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
