package runtime

import (
	"fmt"
	"strings"
)

// Runtime defines how one language is executed inside a sandbox container.
type Runtime interface {
	// Name returns the language identifier (e.g., "python", "cpp").
	Name() string

	// Image returns the container image reference for this language.
	Image() string

	// SourceFile returns the fixed filename the source is written under
	// in the workspace directory (e.g., "Main.py").
	SourceFile() string

	// Command returns the in-container command that compiles (if needed)
	// and runs the source. The workspace is mounted read/write at the
	// sandbox work dir, so compilers may write there.
	Command() []string

	// Artifacts returns every file the run may leave in the workspace,
	// including the source itself; the runner deletes them on terminal.
	Artifacts() []string
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported languages.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&CppRuntime{})
	r.Register(&JavaRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language. Lookup is
// case-insensitive to match what clients send.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[strings.ToLower(language)]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)",
			language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		images = append(images, rt.Image())
	}
	return images
}
