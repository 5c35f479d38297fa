package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codebridge/internal/runtime"
)

// Runner is the containerd-based sandbox backend. Tasks are created with
// attached stdin/stdout/stderr streams so a run stays interactive for its
// whole lifetime.
type Runner struct {
	client   *Client
	runtimes *runtime.Registry
	sem      chan struct{} // Concurrency limiter
	active   atomic.Int64
}

// NewRunner creates a new containerd sandbox runner.
func NewRunner(ctx context.Context, client *Client, maxConcurrent int) (*Runner, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}

	return &Runner{
		client:   client,
		runtimes: runtime.NewRegistry(),
		sem:      make(chan struct{}, maxConcurrent),
	}, nil
}

func (r *Runner) Start(ctx context.Context, req StartRequest) (Handle, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	logger := log.With().
		Str("run_id", runID).
		Str("language", req.Language).
		Logger()

	rt, err := r.runtimes.Get(req.Language)
	if err != nil {
		return nil, &LaunchError{RunID: runID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)}
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &LaunchError{RunID: runID, Op: "acquire_slot", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, ctx.Err())}
	}

	handle, err := r.start(ctx, runID, rt, req, logger)
	if err != nil {
		<-r.sem
		return nil, err
	}
	return handle, nil
}

func (r *Runner) start(ctx context.Context, runID string, rt runtime.Runtime, req StartRequest, logger zerolog.Logger) (Handle, error) {
	sourcePath := filepath.Join(req.WorkspaceDir, rt.SourceFile())
	if err := os.WriteFile(sourcePath, []byte(req.Code), 0644); err != nil { // #nosec G306 -- sandbox user must read it
		return nil, &LaunchError{RunID: runID, Op: "write_source", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}
	if err := os.Chmod(req.WorkspaceDir, 0777); err != nil { // #nosec G302 -- compilers in the container write here
		return nil, &LaunchError{RunID: runID, Op: "chmod_workspace", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	image, err := r.client.PullImage(ctx, rt.Image())
	if err != nil {
		return nil, &LaunchError{RunID: runID, Op: "pull_image", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	containerID := containerPrefix + runID
	container, err := r.createContainer(ctx, containerID, image, rt, req)
	if err != nil {
		return nil, &LaunchError{RunID: runID, Op: "create_container", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	nsCtx := r.client.WithNamespace(ctx)

	stdinR, stdinW := io.Pipe()

	var task containerd.Task
	proc := newProcess(runID, stdinW, func() {
		if task != nil {
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = task.Kill(r.client.WithNamespace(killCtx), 9)
		}
	})

	task, err = container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(stdinR, proc.streamWriter(StreamStdout), proc.streamWriter(StreamStderr))),
	)
	if err != nil {
		_ = r.cleanupContainer(context.Background(), container)
		return nil, &LaunchError{RunID: runID, Op: "create_task", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = r.cleanupContainer(context.Background(), container)
		return nil, &LaunchError{RunID: runID, Op: "task_wait", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = r.cleanupContainer(context.Background(), container)
		return nil, &LaunchError{RunID: runID, Op: "task_start", Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}

	logger.Info().Str("container", containerID).Msg("sandbox started")

	r.active.Add(1)
	go func() {
		defer r.active.Add(-1)
		defer func() { <-r.sem }()

		status := <-exitCh
		exitCode := int(status.ExitCode())

		// Deleting the task flushes and closes the IO fifos, so every
		// chunk has been emitted by the time the sentinel commits.
		delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := task.Delete(r.client.WithNamespace(delCtx), containerd.WithProcessKill); err != nil {
			logger.Warn().Err(err).Msg("task delete failed")
		}
		cancel()

		if err := r.cleanupContainer(context.Background(), container); err != nil {
			logger.Error().Err(err).Msg("container cleanup failed")
		}

		_ = stdinR.Close()
		removeArtifacts(req.WorkspaceDir, rt, logger)

		logger.Info().Int("exit_code", exitCode).Msg("sandbox exited")
		proc.finish(exitCode)
	}()

	return proc, nil
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	rt runtime.Runtime,
	req StartRequest,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(rt.Command()...),
			oci.WithProcessCwd(WorkDir),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, DefaultSecurityProfile())
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: WorkDir,
					Type:        "bind",
					Source:      req.WorkspaceDir,
					Options:     []string{"rbind", "rw"},
				})

				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"SANDBOX=true",
				}

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

// ActiveCount returns the number of currently running sandboxes.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

func (r *Runner) Healthy(ctx context.Context) bool {
	return r.client.Healthy(ctx)
}

// Close shuts down the runner and its containerd client.
func (r *Runner) Close() error {
	return r.client.Close()
}
