package sandbox

import (
	"io"
	"sync"
	"sync/atomic"
)

// Stream identifies which pipe a chunk arrived on. Chunks are merged into
// one sequence regardless; the tag is carried for clients that opt into
// separate styling.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one piece of program output in arrival order.
type Chunk struct {
	Seq    uint64
	Stream Stream
	Data   []byte
}

// Status is the terminal outcome of a sandbox process.
type Status int

const (
	StatusCompleted Status = iota
	StatusKilled
)

func (s Status) String() string {
	if s == StatusKilled {
		return "killed"
	}
	return "completed"
}

// Result is the single terminal sentinel of a run. Exactly one Result is
// delivered on Done() per started process.
type Result struct {
	Status   Status
	ExitCode int
}

// Handle is a live sandbox process owned by one execution session.
type Handle interface {
	// WriteStdin forwards bytes to the process input. It is a silent
	// no-op once the process has terminated; racing with termination
	// never fails.
	WriteStdin(p []byte) error

	// Output returns the merged stdout/stderr chunk sequence. The
	// channel is closed after the last chunk, before the Result is
	// delivered.
	Output() <-chan Chunk

	// Done yields exactly one Result, then is closed.
	Done() <-chan Result

	// Kill terminates the process immediately. Idempotent, safe after
	// natural exit and concurrently with it.
	Kill()
}

// process is the Handle implementation shared by both backends. The
// backend wires stdin and a kill function, feeds output through
// streamWriter, and commits the terminal exactly once via finish.
type process struct {
	id   string
	out  chan Chunk
	done chan Result

	emitMu sync.Mutex
	seq    uint64

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	kill     func()
	killOnce sync.Once
	killed   atomic.Bool
	finished atomic.Bool

	commit sync.Once
}

func newProcess(id string, stdin io.WriteCloser, kill func()) *process {
	return &process{
		id:    id,
		out:   make(chan Chunk, 256),
		done:  make(chan Result, 1),
		stdin: stdin,
		kill:  kill,
	}
}

func (p *process) WriteStdin(b []byte) error {
	if p.finished.Load() {
		return nil
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return nil
	}
	// A write error here means the process died under us; the terminal
	// sentinel reports that, so the late input is dropped silently.
	_, _ = p.stdin.Write(b)
	return nil
}

func (p *process) Output() <-chan Chunk { return p.out }

func (p *process) Done() <-chan Result { return p.done }

func (p *process) Kill() {
	if p.finished.Load() {
		return
	}
	p.killed.Store(true)
	p.killOnce.Do(p.kill)
}

// emit queues one output chunk. Sequence assignment and channel send share
// a mutex so Seq is monotonic in delivery order across both streams.
func (p *process) emit(stream Stream, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.seq++
	p.out <- Chunk{Seq: p.seq, Stream: stream, Data: buf}
}

// streamWriter adapts emit to io.Writer for one stream.
func (p *process) streamWriter(s Stream) io.Writer {
	return &chunkWriter{p: p, stream: s}
}

type chunkWriter struct {
	p      *process
	stream Stream
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	if len(b) > 0 {
		w.p.emit(w.stream, b)
	}
	return len(b), nil
}

// finish commits the terminal sentinel. The backend's waiter goroutine is
// the single caller, after both output readers have drained; the sync.Once
// keeps a duplicate call harmless.
func (p *process) finish(exitCode int) {
	p.commit.Do(func() {
		p.finished.Store(true)

		p.stdinMu.Lock()
		if p.stdin != nil {
			_ = p.stdin.Close()
			p.stdin = nil
		}
		p.stdinMu.Unlock()

		status := StatusCompleted
		if p.killed.Load() {
			status = StatusKilled
		}

		close(p.out)
		p.done <- Result{Status: status, ExitCode: exitCode}
		close(p.done)
	})
}
