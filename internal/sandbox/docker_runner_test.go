package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"codebridge/internal/runtime"
)

func newTestDockerRunner(t *testing.T) *DockerRunner {
	t.Helper()
	d, err := NewDockerRunner(10)
	if err != nil {
		t.Fatalf("NewDockerRunner: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func mustRuntime(t *testing.T, lang string) runtime.Runtime {
	t.Helper()
	rt, err := runtime.NewRegistry().Get(lang)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func TestBuildDockerArgsIsolation(t *testing.T) {
	d := newTestDockerRunner(t)
	rt := mustRuntime(t, "python")

	args := d.buildDockerArgs("run1", rt, StartRequest{
		WorkspaceDir: "/tmp/ws/conn1",
		Limits:       ResourceLimits{CPUShares: 2048, MemoryMB: 256, PidsLimit: 64, DiskMB: 50},
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i",
		"--rm",
		"--name " + containerPrefix + "run1",
		"--network none",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--memory 256m",
		"--memory-swap 256m",
		"--pids-limit 64",
		"--cpus 2.0",
		"--read-only",
		fmt.Sprintf("-v /tmp/ws/conn1:%s:rw", WorkDir),
		"--workdir " + WorkDir,
		"--user 65534:65534",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}

	// Image comes before the command tail.
	imgIdx := slices.Index(args, rt.Image())
	if imgIdx < 0 {
		t.Fatalf("image %s not in args", rt.Image())
	}
	if got := args[imgIdx+1:]; !slices.Equal(got, rt.Command()) {
		t.Fatalf("command tail = %v, want %v", got, rt.Command())
	}
}

func TestBuildDockerArgsAppliesDefaultLimits(t *testing.T) {
	d := newTestDockerRunner(t)
	rt := mustRuntime(t, "java")

	args := d.buildDockerArgs("run1", rt, StartRequest{WorkspaceDir: "/tmp/ws"})
	joined := strings.Join(args, " ")

	def := DefaultLimits()
	if !strings.Contains(joined, fmt.Sprintf("--memory %dm", def.MemoryMB)) {
		t.Errorf("zero limits did not fall back to defaults:\n%s", joined)
	}
	if !strings.Contains(joined, fmt.Sprintf("--pids-limit %d", def.PidsLimit)) {
		t.Errorf("default pids limit missing:\n%s", joined)
	}
}

func TestBuildDockerArgsSeccompProfile(t *testing.T) {
	d := newTestDockerRunner(t)
	rt := mustRuntime(t, "cpp")

	args := d.buildDockerArgs("run1", rt, StartRequest{WorkspaceDir: "/tmp/ws"})
	if !slices.Contains(args, "seccomp="+d.seccompPath) {
		t.Fatalf("seccomp profile not applied: %v", args)
	}
	if _, err := os.Stat(d.seccompPath); err != nil {
		t.Fatalf("profile file missing: %v", err)
	}
}

func TestRemoveArtifacts(t *testing.T) {
	dir := t.TempDir()
	rt := mustRuntime(t, "cpp")

	for _, name := range []string{"Main.cpp", "a.out", "keepme.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	removeArtifacts(dir, rt, zerolog.Nop())

	for _, name := range rt.Artifacts() {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("artifact %s survived", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "keepme.txt")); err != nil {
		t.Error("unrelated file was removed")
	}
}

func TestRemoveArtifactsMissingFiles(t *testing.T) {
	// Nothing to remove must not log as an error or panic.
	removeArtifacts(t.TempDir(), mustRuntime(t, "python"), zerolog.Nop())
}
