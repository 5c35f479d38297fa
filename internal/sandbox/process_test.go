package sandbox

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

type nopWriteCloser struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *nopWriteCloser) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *nopWriteCloser) Close() error { return nil }

func (w *nopWriteCloser) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func collect(t *testing.T, p *process) ([]Chunk, Result) {
	t.Helper()
	var chunks []Chunk
	for c := range p.Output() {
		chunks = append(chunks, c)
	}
	select {
	case res := <-p.Done():
		return chunks, res
	case <-time.After(2 * time.Second):
		t.Fatal("no result after output channel closed")
		return nil, Result{}
	}
}

func TestProcessDeliversChunksInOrder(t *testing.T) {
	p := newProcess("t1", &nopWriteCloser{}, func() {})

	stdout := p.streamWriter(StreamStdout)
	stderr := p.streamWriter(StreamStderr)
	_, _ = stdout.Write([]byte("a"))
	_, _ = stderr.Write([]byte("b"))
	_, _ = stdout.Write([]byte("c"))
	p.finish(0)

	chunks, res := collect(t, p)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != uint64(i+1) {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
	}
	if chunks[1].Stream != StreamStderr {
		t.Fatalf("chunk 1 stream = %s", chunks[1].Stream)
	}
	if res.Status != StatusCompleted || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestProcessFinishIsExactlyOnce(t *testing.T) {
	p := newProcess("t1", &nopWriteCloser{}, func() {})

	// Concurrent finishes and kills must commit a single terminal.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				p.finish(n)
			} else {
				p.Kill()
			}
		}(i)
	}
	wg.Wait()

	_, res := collect(t, p)
	_ = res // one result arrived and the channel closed; that is the invariant

	if _, ok := <-p.Done(); ok {
		t.Fatal("Done delivered a second result")
	}
}

func TestProcessKillAfterExitIsNoop(t *testing.T) {
	killed := false
	p := newProcess("t1", &nopWriteCloser{}, func() { killed = true })

	p.finish(0)
	p.Kill()

	if killed {
		t.Fatal("kill function ran after natural exit")
	}
	_, res := collect(t, p)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, late Kill must not rewrite the terminal", res.Status)
	}
}

func TestProcessKillMarksResultKilled(t *testing.T) {
	p := newProcess("t1", &nopWriteCloser{}, func() {})

	p.Kill()
	p.finish(-1) // the backend waiter commits after the kill lands

	_, res := collect(t, p)
	if res.Status != StatusKilled {
		t.Fatalf("status = %s, want killed", res.Status)
	}
}

func TestProcessWriteStdinAfterFinish(t *testing.T) {
	stdin := &nopWriteCloser{}
	p := newProcess("t1", stdin, func() {})

	if err := p.WriteStdin([]byte("before\n")); err != nil {
		t.Fatal(err)
	}
	p.finish(0)
	if err := p.WriteStdin([]byte("after\n")); err != nil {
		t.Fatalf("late write must be a silent no-op, got %v", err)
	}
	if got := stdin.String(); got != "before\n" {
		t.Fatalf("stdin = %q", got)
	}
	collect(t, p)
}

func TestProcessEmitConcurrentWriters(t *testing.T) {
	p := newProcess("t1", &nopWriteCloser{}, func() {})

	var writers sync.WaitGroup
	var drained sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)

	drained.Add(1)
	go func() {
		defer drained.Done()
		for c := range p.Output() {
			mu.Lock()
			if seen[c.Seq] {
				mu.Unlock()
				t.Errorf("duplicate seq %d", c.Seq)
				return
			}
			seen[c.Seq] = true
			mu.Unlock()
		}
	}()

	stdout := p.streamWriter(StreamStdout)
	stderr := p.streamWriter(StreamStderr)
	for i := 0; i < 4; i++ {
		writers.Add(2)
		go func() {
			defer writers.Done()
			for j := 0; j < 25; j++ {
				_, _ = stdout.Write([]byte("x"))
			}
		}()
		go func() {
			defer writers.Done()
			for j := 0; j < 25; j++ {
				_, _ = stderr.Write([]byte("y"))
			}
		}()
	}
	writers.Wait()
	p.finish(0)
	drained.Wait()

	if len(seen) != 200 {
		t.Fatalf("chunks = %d, want 200", len(seen))
	}
}

var _ io.WriteCloser = (*nopWriteCloser)(nil)
