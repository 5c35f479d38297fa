package runtime

// CppRuntime compiles Main.cpp in the workspace, then runs the binary.
// stdbuf forces line buffering so prompts printed before a read reach the
// client without a trailing newline.
type CppRuntime struct{}

func (c *CppRuntime) Name() string { return "cpp" }

func (c *CppRuntime) Image() string { return "docker.io/library/gcc:13" }

func (c *CppRuntime) SourceFile() string { return "Main.cpp" }

func (c *CppRuntime) Command() []string {
	return []string{
		"sh", "-c",
		"g++ -O2 -o a.out Main.cpp && stdbuf -oL -eL ./a.out",
	}
}

func (c *CppRuntime) Artifacts() []string { return []string{"Main.cpp", "a.out"} }
