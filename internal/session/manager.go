// Package session binds at most one live sandbox run to each connection
// and owns the run's whole lifecycle: workspace directory, wall-clock
// limit, output fan-in, teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codebridge/internal/monitor"
	"codebridge/internal/runtime"
	"codebridge/internal/sandbox"
)

// Sentinel errors reported synchronously to run submitters.
var (
	ErrMissingFields       = errors.New("missing required fields")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrRunActive           = errors.New("a run is already active for this connection")
	ErrUnknownConnection   = errors.New("no connected client for this connection id")
)

// Status is the terminal outcome of one run as reported to the owner.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusKilled    Status = "killed"
)

// ExecutionCompleteNotice is appended to the output stream after a
// natural exit.
const ExecutionCompleteNotice = "\n***********Execution Complete***********\n"

// TimeLimitNotice renders the message appended to the output stream when
// a run hits the wall-clock limit.
func TimeLimitNotice(limit time.Duration) string {
	return fmt.Sprintf("\n***********Process Terminated: Time Limit Exceeded (%s)***********\n", limit)
}

// Request is one immutable run submission.
type Request struct {
	Code     string
	Language string
}

// Manager is the execution session manager. One session exists per
// connection with an in-flight run; sessions are keyed by connection id
// and serialized individually, never behind one global lock.
type Manager struct {
	backend  sandbox.Backend
	runtimes *runtime.Registry
	root     string // workspace root; one subdirectory per connection
	timeout  time.Duration
	limits   sandbox.ResourceLimits
	tag      bool // label output chunks with their stream

	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	// OnOutput pushes one chunk of program output to the owning
	// connection only. stream is "stdout"/"stderr" when tagging is
	// enabled, "" otherwise.
	OnOutput func(connID, text, stream string)

	// OnTerminal reports the single terminal event of a run.
	OnTerminal func(connID string, status Status)

	// OnRunStarted fires once per successful launch, before any output.
	OnRunStarted func(connID, language string)

	// OwnerAlive reports whether connID belongs to a live connection.
	// When set, SubmitRun rejects ids with no owner so a run can never
	// be launched for a connection nobody holds. Nil accepts every id.
	OwnerAlive func(connID string) bool

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the per-connection execution state. Fields are guarded by
// the session's own mutex; the Manager map lock is never held across a
// sandbox call.
type session struct {
	connID string
	dir    string

	mu        sync.Mutex
	handle    sandbox.Handle // non-nil only while Running
	timer     *time.Timer
	timedOut  bool
	startedAt time.Time
	language  string
	runID     string
}

// Options configures a Manager.
type Options struct {
	WorkspaceRoot string
	RunTimeout    time.Duration
	Limits        sandbox.ResourceLimits
	TagStreams    bool
}

func NewManager(backend sandbox.Backend, metrics *monitor.Metrics, opts Options) *Manager {
	timeout := opts.RunTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Manager{
		backend:  backend,
		runtimes: runtime.NewRegistry(),
		root:     opts.WorkspaceRoot,
		timeout:  timeout,
		limits:   opts.Limits,
		tag:      opts.TagStreams,
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		sessions: make(map[string]*session),
	}
}

// SweepRoot wipes the workspace root. Called once at process start so
// directories orphaned by a crash don't accumulate.
func SweepRoot(root string) error {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return os.MkdirAll(root, 0755)
	}
	if err != nil {
		return fmt.Errorf("reading workspace root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			log.Warn().Err(err).Str("entry", e.Name()).Msg("failed to sweep workspace entry")
		}
	}
	return nil
}

// SubmitRun validates and launches a run for connID. It rejects with
// ErrRunActive while a run is in flight: superseding would orphan a live
// sandbox.
func (m *Manager) SubmitRun(ctx context.Context, connID string, req Request) error {
	if connID == "" || req.Code == "" || req.Language == "" {
		return ErrMissingFields
	}
	lang := strings.ToLower(req.Language)
	if _, err := m.runtimes.Get(lang); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}
	if m.backend == nil {
		return sandbox.ErrBackendDown
	}
	if alive := m.OwnerAlive; alive != nil && !alive(connID) {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	runID := uuid.New().String()
	ctx, span := m.tracer.StartSpan(ctx, "submit_run",
		monitor.AttrConnectionID.String(connID),
		monitor.AttrRunID.String(runID),
		monitor.AttrLanguage.String(lang),
	)
	defer span.End()

	s := m.session(connID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return ErrRunActive
	}

	// Workspace dir is created lazily and reused across the
	// connection's runs; its files are wiped at each terminal.
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	handle, err := m.backend.Start(ctx, sandbox.StartRequest{
		RunID:        runID,
		WorkspaceDir: s.dir,
		Language:     lang,
		Code:         req.Code,
		Limits:       m.limits,
	})
	if err != nil {
		return err
	}

	now := time.Now()
	s.handle = handle
	s.timedOut = false
	s.startedAt = now
	s.language = lang
	s.runID = runID

	s.timer = time.AfterFunc(m.timeout, func() {
		m.onTimeout(s, handle)
	})

	if m.metrics != nil {
		m.metrics.ActiveRuns.Inc()
		m.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	log.Info().
		Str("conn_id", connID).
		Str("run_id", runID).
		Str("language", lang).
		Msg("run started")

	go m.pump(s, handle)

	if cb := m.OnRunStarted; cb != nil {
		cb(connID, lang)
	}

	return nil
}

// ForwardInput feeds text to connID's running program. A silent no-op
// when no run is active: input racing with termination is expected and
// never an error.
func (m *Manager) ForwardInput(connID, text string) {
	m.mu.Lock()
	s := m.sessions[connID]
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return
	}

	_ = handle.WriteStdin([]byte(text + "\n"))
	// The client terminal doesn't locally echo the newline that
	// submitted the input; reflect it so the transcript lines up.
	m.emit(connID, "\n", "")
}

// Active reports whether connID has a run in flight.
func (m *Manager) Active(connID string) bool {
	m.mu.Lock()
	s := m.sessions[connID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Terminate force-kills any active run for connID and removes its
// session and workspace. Called unconditionally on disconnect; this is
// the single point guaranteeing no sandbox outlives its connection.
func (m *Manager) Terminate(connID string) {
	m.mu.Lock()
	s := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	handle := s.handle
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if handle != nil {
		// The pump wipes the workspace once the kill lands.
		handle.Kill()
		return
	}
	removeWorkspace(s.dir)
}

func (m *Manager) session(connID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	if !ok {
		s = &session{
			connID: connID,
			dir:    filepath.Join(m.root, connID),
		}
		m.sessions[connID] = s
	}
	return s
}

func (m *Manager) onTimeout(s *session, handle sandbox.Handle) {
	s.mu.Lock()
	if s.handle != handle {
		// The run already reached terminal; nothing to do.
		s.mu.Unlock()
		return
	}
	s.timedOut = true
	s.mu.Unlock()

	m.emit(s.connID, TimeLimitNotice(m.timeout), "")
	handle.Kill()
}

// pump is the single consumer of one run's output and terminal sentinel.
// Exactly one OnTerminal call happens per started run.
func (m *Manager) pump(s *session, handle sandbox.Handle) {
	var outputBytes int
	for chunk := range handle.Output() {
		outputBytes += len(chunk.Data)
		stream := ""
		if m.tag {
			stream = chunk.Stream.String()
		}
		m.emit(s.connID, string(chunk.Data), stream)
	}

	res := <-handle.Done()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	timedOut := s.timedOut
	duration := time.Since(s.startedAt)
	language := s.language
	runID := s.runID
	s.handle = nil
	s.mu.Unlock()

	status := StatusCompleted
	switch {
	case res.Status == sandbox.StatusKilled && timedOut:
		status = StatusTimedOut
	case res.Status == sandbox.StatusKilled:
		status = StatusKilled
	}

	_, span := m.tracer.StartSpan(context.Background(), "run_terminal",
		monitor.AttrConnectionID.String(s.connID),
		monitor.AttrRunID.String(runID),
		monitor.AttrLanguage.String(language),
		monitor.AttrStatus.String(string(status)),
	)
	defer span.End()

	if status == StatusCompleted {
		m.emit(s.connID, ExecutionCompleteNotice, "")
	}

	removeWorkspace(s.dir)

	if m.metrics != nil {
		m.metrics.ActiveRuns.Dec()
		m.metrics.OutputSizeBytes.Observe(float64(outputBytes))
		m.metrics.RecordRun(language, string(status), duration.Seconds())
	}

	log.Info().
		Str("conn_id", s.connID).
		Str("status", string(status)).
		Int("exit_code", res.ExitCode).
		Dur("duration", duration).
		Msg("run finished")

	if cb := m.OnTerminal; cb != nil {
		cb(s.connID, status)
	}

	// A run can survive a disconnect that races its launch; once the
	// owner is gone there is no Terminate left to reap the entry.
	if alive := m.OwnerAlive; alive != nil && !alive(s.connID) {
		m.mu.Lock()
		if m.sessions[s.connID] == s {
			delete(m.sessions, s.connID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) emit(connID, text, stream string) {
	if cb := m.OnOutput; cb != nil {
		cb(connID, text, stream)
	}
}

// removeWorkspace wipes a connection's workspace directory. Best effort:
// a failed delete is logged, never fatal to the live system.
func removeWorkspace(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to remove workspace")
	}
}
