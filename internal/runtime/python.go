package runtime

// PythonRuntime runs Python sources directly with an unbuffered interpreter
// so interactive output reaches the client immediately.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) SourceFile() string { return "Main.py" }

func (p *PythonRuntime) Command() []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		"Main.py",
	}
}

func (p *PythonRuntime) Artifacts() []string { return []string{"Main.py"} }
