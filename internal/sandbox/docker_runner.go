package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codebridge/internal/runtime"
	"codebridge/pkg/seccomp"
)

// containerPrefix names every sandbox container so orphans from a crashed
// server can be found and reaped.
const containerPrefix = "codebridge-run-"

// DockerRunner is the Docker-CLI sandbox backend (macOS, or Linux without
// containerd). Each run is one `docker run -i` child process with stdin,
// stdout and stderr attached as pipes.
type DockerRunner struct {
	runtimes *runtime.Registry
	sem      chan struct{}
	active   atomic.Int64
	wg       sync.WaitGroup

	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	seccompPath   string // profile written once at startup
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(maxConcurrent int) (*DockerRunner, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}

	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, fmt.Errorf("building seccomp profile: %w", err)
	}
	seccompFile := filepath.Join(os.TempDir(), "codebridge-seccomp.json")
	if err := os.WriteFile(seccompFile, profileJSON, 0600); err != nil {
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}

	d := &DockerRunner{
		runtimes:    runtime.NewRegistry(),
		sem:         make(chan struct{}, maxConcurrent),
		dockerHost:  resolveDockerHost(),
		seccompPath: seccompFile,
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d, nil
}

// orphanCleanupLoop periodically reaps sandbox containers that survived a
// server crash.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := d.dockerCmd("ps", "--filter", "name="+containerPrefix, "-q")
	out, err := cmd.Output()
	if err != nil {
		return
	}
	for _, id := range strings.Fields(strings.TrimSpace(string(out))) {
		log.Warn().Str("container_id", id).Msg("removing orphaned sandbox container")
		_ = d.dockerCmd("rm", "-f", id).Run()
	}
}

func (d *DockerRunner) dockerCmd(args ...string) *exec.Cmd {
	cmd := exec.Command("docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop
// uses a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Start(ctx context.Context, req StartRequest) (Handle, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	logger := log.With().
		Str("run_id", runID).
		Str("language", req.Language).
		Logger()

	rt, err := d.runtimes.Get(req.Language)
	if err != nil {
		return nil, &LaunchError{RunID: runID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)}
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &LaunchError{RunID: runID, Op: "acquire_slot", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, ctx.Err())}
	}

	handle, err := d.start(runID, rt, req, logger)
	if err != nil {
		<-d.sem
		return nil, err
	}
	return handle, nil
}

func (d *DockerRunner) start(runID string, rt runtime.Runtime, req StartRequest, logger zerolog.Logger) (Handle, error) {
	sourcePath := filepath.Join(req.WorkspaceDir, rt.SourceFile())
	if err := os.WriteFile(sourcePath, []byte(req.Code), 0644); err != nil { // #nosec G306 -- container runs as nobody and must read it
		return nil, &LaunchError{RunID: runID, Op: "write_source", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}
	// Compilers in the container (uid 65534) write a.out / Main.class here.
	if err := os.Chmod(req.WorkspaceDir, 0777); err != nil { // #nosec G302
		return nil, &LaunchError{RunID: runID, Op: "chmod_workspace", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	args := d.buildDockerArgs(runID, rt, req)
	cmd := d.dockerCmd(args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{RunID: runID, Op: "stdin_pipe", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{RunID: runID, Op: "stdout_pipe", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{RunID: runID, Op: "stderr_pipe", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	containerName := containerPrefix + runID
	proc := newProcess(runID, stdin, func() {
		// Killing the docker CLI client does not always stop the
		// container, so remove it by name as well.
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		go func() { _ = d.dockerCmd("rm", "-f", containerName).Run() }()
	})

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{RunID: runID, Op: "docker_run", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	logger.Info().Str("container", containerName).Msg("sandbox started")

	d.wg.Add(1)
	d.active.Add(1)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		_, _ = io.Copy(proc.streamWriter(StreamStdout), stdout)
	}()
	go func() {
		defer readers.Done()
		_, _ = io.Copy(proc.streamWriter(StreamStderr), stderr)
	}()

	go func() {
		defer d.wg.Done()
		defer d.active.Add(-1)
		defer func() { <-d.sem }()

		readers.Wait()
		err := cmd.Wait()

		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			exitCode = -1
		}

		removeArtifacts(req.WorkspaceDir, rt, logger)

		logger.Info().Int("exit_code", exitCode).Msg("sandbox exited")
		proc.finish(exitCode)
	}()

	return proc, nil
}

func (d *DockerRunner) buildDockerArgs(runID string, rt runtime.Runtime, req StartRequest) []string {
	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	args := []string{
		"run", "-i", "--rm",
		"--name", containerPrefix + runID,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + d.seccompPath,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s:rw", req.WorkspaceDir, WorkDir),
		"--workdir", WorkDir,
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
	}

	args = append(args, rt.Image())
	args = append(args, rt.Command()...)
	return args
}

// removeArtifacts deletes the run's generated files from the workspace.
// Best effort: a failure here never blocks teardown.
func removeArtifacts(dir string, rt runtime.Runtime, logger zerolog.Logger) {
	for _, name := range rt.Artifacts() {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to remove artifact")
		}
	}
}

func (d *DockerRunner) Healthy(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "info")
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd.Run() == nil
}

// ActiveCount returns the number of currently running sandboxes.
func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active runs to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker sandboxes drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker sandboxes to drain")
	}
	return nil
}
